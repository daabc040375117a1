package main

import "net/http"

// displayPage serves the live readout.  It is the browser rendition of the
// old lab tkinter window: wavelength on top, power in a font as large as
// the window allows, and a box to retune the wavelength.
func displayPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(displayHTML))
}

const displayHTML = `<!DOCTYPE html>
<html>
<head>
<title>Power Meter</title>
<style>
body { font-family: Arial, sans-serif; text-align: center; margin-top: 2em; }
#wavelength { font-size: 20pt; font-weight: bold; }
#power { font-weight: bold; font-size: 12vw; white-space: nowrap; }
#power.err { color: #b00; }
form { margin-top: 1.5em; }
</style>
</head>
<body>
<div id="wavelength">Wavelength: &mdash; nm</div>
<div id="power">&mdash;</div>
<form id="wlform">
	<label>Enter wavelength in nm <input id="wl" type="number"></label>
	<button type="submit">Change Wavelength</button>
</form>
<script>
async function refresh() {
	try {
		const resp = await fetch('/meter/power/mw');
		if (!resp.ok) throw new Error(await resp.text());
		const body = await resp.json();
		const el = document.getElementById('power');
		el.classList.remove('err');
		el.textContent = body.f64.toFixed(6) + ' mW';
	} catch (e) {
		const el = document.getElementById('power');
		el.classList.add('err');
		el.textContent = 'ERR';
	}
}
async function refreshWavelength() {
	try {
		const resp = await fetch('/meter/wavelength');
		const body = await resp.json();
		document.getElementById('wavelength').textContent =
			'Wavelength: ' + body.int + ' nm';
	} catch (e) {}
}
document.getElementById('wlform').addEventListener('submit', async ev => {
	ev.preventDefault();
	const nm = parseInt(document.getElementById('wl').value, 10);
	if (isNaN(nm)) return;
	const resp = await fetch('/meter/wavelength', {
		method: 'POST',
		headers: {'Content-Type': 'application/json'},
		body: JSON.stringify({int: nm})
	});
	if (!resp.ok) {
		alert(await resp.text());
		return;
	}
	document.getElementById('wl').value = '';
	refreshWavelength();
});
setInterval(refresh, 500);
refresh();
refreshWavelength();
</script>
</body>
</html>
`
