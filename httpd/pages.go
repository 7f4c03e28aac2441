package httpd

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ledtime/ntpclock/clock"
	"github.com/ledtime/ntpclock/configuration"
	"github.com/ledtime/ntpclock/sensor"
	"github.com/ledtime/ntpclock/util"
)

// The markup keeps the original front panel's look: every page one <pre>
// block of tab-aligned label/value lines inside a shared frame.
const pageTemplates = `
{{define "head"}}<!DOCTYPE html>
<html><head><title>NTP clock</title><link rel=stylesheet href=s.css>{{end}}
{{define "bodyopen"}}</head><body><div>{{end}}
{{define "foot"}}</div></body></html>{{end}}

{{define "main"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP clock</h2><pre><b>Time:</b>		{{.Time}} (UTC{{.Offset}})
<b>DNS server:</b>	{{.DNSServer}} [{{.DNSState}}]
<b>NTP server:</b>	{{.NTPHost}} [{{.NTPAddr}}]
<b>Last sync:</b>	{{.LastSync}} [{{.SyncState}}]
<b>Temperature:</b>	{{.Temperature}} &deg;C
<b>Humidity:</b>	{{.Humidity}} %
</pre><a href="/?pg=1">config</a> | <a href="/?pg=2">display</a> | <a href="/?pg=3">history</a> | <a href="/?pg=4">info</a> | <a href="/?pg=5">password</a> | <a href=/>refresh</a>{{template "foot"}}{{end}}

{{define "config"}}{{template "head"}}<script src=tz.js></script>{{template "bodyopen"}}<h2>NTP config</h2><pre><form action=/cu method=post>
<b>NTP hostname:</b>	<input type=text name=nt value="{{.Host}}">
<b>Update period:</b>	<input type=text name=up value="{{.Period}}">
<b>MAC address:</b>	<input type=text name=ma value="{{.MAC}}">
<b>UTC offset:</b>	<input type=text name=tz value="{{.Offset}}"><script>tzi()</script>
<b>Apply:</b>		<input type=checkbox name="st"{{if .EUDST}} checked{{end}}>EU DST
<br><input type=submit value=apply> <input type=button value=cancel onclick="window.location='/'"></form></pre>{{template "foot"}}{{end}}

{{define "display"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP display</h2><pre><form action=/du method=post>
<b>Show:</b>		<input type=checkbox name="hh"{{if .Mode24h}} checked{{end}}>24h <input type=checkbox name="te"{{if .ShowTemperature}} checked{{end}}>Temperature
<b>Intensity:</b>	<select name=in>{{range .Levels}}<option value="{{.Level}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>{{end}}</select>
<br><input type=submit value=apply> <input type=button value=cancel onclick="window.location='/'"></form></pre>{{template "foot"}}{{end}}

{{define "history"}}{{template "head"}}{{template "bodyopen"}}<h2>History</h2><pre><form action=/ method=get>
<b>Highest Temperature:</b>	{{.HighTemp.Value}} &deg;C @ {{.HighTemp.At}}
<b>Lowest Temperature:</b>	{{.LowTemp.Value}} &deg;C @ {{.LowTemp.At}}
<b>Highest Humidity:</b>	{{.HighHum.Value}} %  @ {{.HighHum.At}}
<b>Lowest Humidity:</b>	{{.LowHum.Value}} %  @ {{.LowHum.At}}
<br><input name=pg type=hidden value=3><input name=ac type=submit value=clear></form></pre><a href=/>home</a> | <a href="/?pg=3">refresh</a>{{template "foot"}}{{end}}

{{define "info"}}{{template "head"}}{{template "bodyopen"}}<h2>Info</h2><pre><b>MAC address:</b>	{{.MAC}}
<b>IP address:</b>	{{.Addr}}
<b>Gateway:</b>	{{.Gateway}}{{if .NTPMAC}}
<b>NTP MAC:</b>	{{.NTPMAC}}{{end}}{{if .DNSMAC}}
<b>DNS MAC:</b>	{{.DNSMAC}}{{end}}{{if .GatewayMAC}}
<b>Gateway MAC:</b>	{{.GatewayMAC}}{{end}}
<b>Update period:</b>	{{.Period}}
<b>DHCP server:</b>	{{.DHCPServer}}
<b>Lease expires:</b>	{{.LeaseExpires}}
<b>Uptime:</b>		{{.Uptime}}
</pre><a href=/>home</a> | <a href="/?pg=4">refresh</a>{{template "foot"}}{{end}}

{{define "password"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP password</h2><pre><form action=/pu method=post>
<b>New password:</b>	<input type=password name=pw>
<br><input type=submit value=apply> <input type=button value=cancel onclick="window.location='/'"></form></pre>{{template "foot"}}{{end}}

{{define "ok"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP config</h2><a href=/>OK</a>{{template "foot"}}{{end}}
{{define "error"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP config</h2><a href="/?pg=1">Error</a>{{template "foot"}}{{end}}
{{define "authfail"}}{{template "head"}}{{template "bodyopen"}}<h2>NTP config</h2><a href=/>Authentication Failure</a>{{template "foot"}}{{end}}
`

var pages = template.Must(template.New("httpd").Parse(pageTemplates))

// The tzi() helper shows the visitor's own UTC offset next to the form, as
// a hint for filling it in.
const tzScript = `function tzi(){
	var d = new Date();
	var tzo = -d.getTimezoneOffset();
	var rem = tzo % 60;
	var min = ("0" + rem).slice(-2);
	var hour = ("0" + (tzo - rem) / 60).slice(-2);
	var st = hour + ":" + min;
	if (tzo > 0) st = "UTC+" + st; else st = "UTC" + st;
	document.write(" [Info: your PC is "+st+"]");
}
`

const stylesheet = `body {
	font-family: arial, sans-serif;
}
h2 {
	background: #4caf50;
	padding: 4px;
	color: #fff;
}
pre {
	border: 1px solid #ddd;
	padding: 8px;
}
div {
	width: 550px;
	border: 2px solid;
	margin: 10px auto;
	padding: 0 20px 10px 20px;
}
a {
	text-decoration: none;
}
a:hover {
	text-decoration: underline;
}
`

type mainView struct {
	Time, Offset     string
	DNSServer        string
	DNSState         string
	NTPHost, NTPAddr string
	LastSync         string
	SyncState        string
	Temperature      int
	Humidity         int
}

type configView struct {
	Host   string
	Period uint32
	MAC    string
	Offset string
	EUDST  bool
}

type levelOption struct {
	Level    uint8
	Label    string
	Selected bool
}

type displayView struct {
	Mode24h         bool
	ShowTemperature bool
	Levels          []levelOption
}

type extremeView struct {
	Value int
	At    string
}

type historyView struct {
	HighTemp, LowTemp extremeView
	HighHum, LowHum   extremeView
}

type infoView struct {
	MAC          string
	Addr         string
	Gateway      string
	NTPMAC       string
	DNSMAC       string
	GatewayMAC   string
	Period       uint32
	DHCPServer   string
	LeaseExpires string
	Uptime       string
}

// Brightness of the panel per intensity step; the number rises as the duty
// cycle falls.
var intensityLabels = [8]string{"100%", "60%", "40%", "27%", "17%", "10%", "7%", "3%"}

func (s *Server) mainPage() mainView {
	conf := s.config.Get()
	st := s.device.Status()

	dnsState := "OK"
	if st.DNSError {
		dnsState = "Error"
	} else if st.TimeServerIP == nil {
		dnsState = "Timeout"
	}
	syncState := "Syncing"
	if st.Synced {
		syncState = "OK"
	}

	return mainView{
		Time:        localTime(conf, st.Now),
		Offset:      formatOffset(conf.Clock.UTCOffsetMinutes),
		DNSServer:   ipString(st.DNSServer),
		DNSState:    dnsState,
		NTPHost:     conf.NTP.Server,
		NTPAddr:     ipString(st.TimeServerIP),
		LastSync:    localTime(conf, st.LastSync),
		SyncState:   syncState,
		Temperature: st.Temperature,
		Humidity:    st.Humidity,
	}
}

func (s *Server) configPage() configView {
	conf := s.config.Get()
	mac := conf.Network.MAC
	if mac == "" {
		mac = macString(s.device.Status().MAC)
	}
	return configView{
		Host:   conf.NTP.Server,
		Period: conf.NTP.ResyncSeconds,
		MAC:    mac,
		Offset: formatOffset(conf.Clock.UTCOffsetMinutes),
		EUDST:  conf.Clock.EUSummerTime,
	}
}

func (s *Server) displayPage() displayView {
	conf := s.config.Get()
	view := displayView{
		Mode24h:         conf.Display.Mode24h,
		ShowTemperature: conf.Display.ShowTemperature,
	}
	for i, label := range intensityLabels {
		view.Levels = append(view.Levels, levelOption{
			Level:    uint8(i),
			Label:    label,
			Selected: uint8(i) == conf.Display.Intensity,
		})
	}
	return view
}

func (s *Server) historyPage() historyView {
	conf := s.config.Get()
	hist := s.device.Status().History
	view := func(e sensor.Extreme) extremeView {
		return extremeView{Value: e.Value, At: localTime(conf, e.At)}
	}
	return historyView{
		HighTemp: view(hist.HighTemp),
		LowTemp:  view(hist.LowTemp),
		HighHum:  view(hist.HighHum),
		LowHum:   view(hist.LowHum),
	}
}

// infoPage folds the per-server MAC lines into one gateway line when the
// server sits beyond the gateway, the way the walk resolves them.
func (s *Server) infoPage() infoView {
	conf := s.config.Get()
	st := s.device.Status()

	ntpIP := st.TimeServerIP
	if ntpIP == nil {
		ntpIP = net.IPv4zero
	}
	var ntpMAC, dnsMAC, gwMAC string
	if util.SameSubnet(st.Addr, ntpIP, st.Mask) {
		ntpMAC = macString(st.TimeServerMAC)
	} else {
		gwMAC = macString(st.TimeServerMAC)
	}
	if util.SameSubnet(st.Addr, st.DNSServer, st.Mask) {
		dnsMAC = macString(st.NameserverMAC)
	} else {
		gwMAC = macString(st.NameserverMAC)
	}

	return infoView{
		MAC:          macString(st.MAC),
		Addr:         fmt.Sprintf("%s/%d", ipString(st.Addr), util.MaskLen(st.Mask)),
		Gateway:      ipString(st.Gateway),
		NTPMAC:       ntpMAC,
		DNSMAC:       dnsMAC,
		GatewayMAC:   gwMAC,
		Period:       conf.NTP.ResyncSeconds,
		DHCPServer:   ipString(st.DHCPServer),
		LeaseExpires: localTime(conf, st.Now+st.LeaseSeconds),
		Uptime:       uptimeString(st.Uptime),
	}
}

func (s *Server) render(w http.ResponseWriter, code int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		log.Println("Page render failed.", err)
		http.Error(w, "page render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	buf.WriteTo(w)
}

func (s *Server) renderAuthFail(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="NTP clock"`)
	s.render(w, http.StatusUnauthorized, "authfail", nil)
}

func serveAsset(contentType, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, body)
	}
}

// localTime renders a device timestamp in the configured local time, in the
// C library's asctime shape.
func localTime(conf configuration.Configuration, unix uint32) string {
	return clock.Localize(unix, conf.Clock.UTCOffsetMinutes, conf.Clock.EUSummerTime).Format(time.ANSIC)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "0.0.0.0"
	}
	return ip.String()
}

func macString(mac net.HardwareAddr) string {
	if len(mac) == 0 {
		return "00:00:00:00:00:00"
	}
	return mac.String()
}

// uptimeString spells seconds as days/hours/minutes/seconds, dropping the
// leading units that are still zero.
func uptimeString(total uint32) string {
	days := total / 86400
	hours := total / 3600 % 24
	minutes := total / 60 % 60
	seconds := total % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%d days, ", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%d hours, ", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%d minutes, ", minutes)
	}
	fmt.Fprintf(&b, "%d seconds", seconds)
	return b.String()
}

// formatOffset renders minutes east of UTC the way the form shows them,
// sign and zero padding included: +01:00, -09:30.
func formatOffset(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%02d:%02d", sign, minutes/60, minutes%60)
}

// parseOffset reads an hh:mm offset with an optional sign; bare hours work
// too. The range check stays with the form handler.
func parseOffset(s string) (int, error) {
	s = strings.TrimSpace(s)
	hourPart, minPart, hasMin := strings.Cut(s, ":")
	hours, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, fmt.Errorf("utc offset '%s': %v", s, err)
	}
	minutes := 0
	if hasMin {
		minutes, err = strconv.Atoi(minPart)
		if err != nil || minutes < 0 || minutes > 59 {
			return 0, fmt.Errorf("utc offset '%s': bad minutes", s)
		}
	}
	offset := hours * 60
	if strings.HasPrefix(hourPart, "-") {
		offset -= minutes
	} else {
		offset += minutes
	}
	return offset, nil
}
