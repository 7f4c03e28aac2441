// Package httpd serves the clock's configuration pages: status and info for
// anyone on the LAN, the settings forms behind HTTP basic auth. The page set
// and the form field names follow the appliance's front panel tradition of
// tiny single-letter keys.
package httpd

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ledtime/ntpclock/clockd"
	"github.com/ledtime/ntpclock/configuration"
	"github.com/ledtime/ntpclock/util"
)

// UTC offsets the config form accepts, in minutes.
const (
	minUTCOffset = -720
	maxUTCOffset = 840
)

const maxHostnameLen = 64

// Device is the slice of the appliance the web UI drives.
type Device interface {
	Status() clockd.Status
	ClearHistory()
	Reconfigure()
	ApplyDisplay()
}

// Server is the configuration web UI.
type Server struct {
	config *configuration.Store
	device Device
	http   *http.Server
}

func NewServer(store *configuration.Store, device Device) *Server {
	s := &Server{config: store, device: device}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.servePages)
	mux.HandleFunc("/tz.js", serveAsset("text/javascript; charset=utf-8", tzScript))
	mux.HandleFunc("/s.css", serveAsset("text/css; charset=utf-8", stylesheet))
	mux.HandleFunc("/cu", s.post(s.updateConfig))
	mux.HandleFunc("/du", s.post(s.updateDisplay))
	mux.HandleFunc("/pu", s.post(s.updatePassword))

	s.http = &http.Server{Addr: store.Get().Web.Listen, Handler: mux}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() {
	log.Println("Starting web server.")

	go func() {
		err := s.http.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Println("Web server failed.", err)
		}
	}()

	log.Printf("Web UI on '%s'.", s.http.Addr)
}

func (s *Server) Shutdown() {
	log.Println("Stopping web server.")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Println("Web server shutdown failed.", err)
	}

	log.Println("Stopped web server.")
}

// servePages routes the GET surface: the status page on a bare /, the
// numbered pages behind ?pg=, and history clearing via the ac key on any
// query. The config and password pages ask for the password.
func (s *Server) servePages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		http.Error(w, "no such form", http.StatusInternalServerError)
		return
	default:
		http.Error(w, "not implemented", http.StatusNotImplemented)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	if query.Has("ac") {
		s.device.ClearHistory()
		log.Println("History cleared.")
	}
	if len(query) == 0 {
		s.render(w, http.StatusOK, "main", s.mainPage())
		return
	}

	switch query.Get("pg") {
	case "1":
		if !s.authorized(r) {
			s.renderAuthFail(w)
			return
		}
		s.render(w, http.StatusOK, "config", s.configPage())
	case "2":
		s.render(w, http.StatusOK, "display", s.displayPage())
	case "3":
		s.render(w, http.StatusOK, "history", s.historyPage())
	case "4":
		s.render(w, http.StatusOK, "info", s.infoPage())
	case "5":
		if !s.authorized(r) {
			s.renderAuthFail(w)
			return
		}
		s.render(w, http.StatusOK, "password", nil)
	default:
		http.NotFound(w, r)
	}
}

// post gates the update endpoints: POST only, and the same password the
// pages behind the forms ask for.
func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
		case http.MethodGet:
			http.NotFound(w, r)
			return
		default:
			http.Error(w, "not implemented", http.StatusNotImplemented)
			return
		}
		if !s.authorized(r) {
			s.renderAuthFail(w)
			return
		}
		h(w, r)
	}
}

// authorized checks basic auth against the configured password. The
// username does not matter, the clock has only one.
func (s *Server) authorized(r *http.Request) bool {
	_, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	want := s.config.Get().Web.Password
	return subtle.ConstantTimeCompare([]byte(password), []byte(want)) == 1
}

// updateConfig handles /cu: network and NTP settings. Any invalid field
// rejects the whole form; a saved form restarts the bring-up walk.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusInternalServerError)
		return
	}

	conf := s.config.Get()
	valid := true

	if vals, ok := r.PostForm["ma"]; ok {
		raw := strings.TrimSpace(vals[0])
		if raw == "" {
			conf.Network.MAC = ""
		} else if mac, err := net.ParseMAC(raw); err == nil && len(mac) == 6 {
			conf.Network.MAC = mac.String()
		} else {
			valid = false
		}
	}
	if vals, ok := r.PostForm["nt"]; ok {
		host := strings.TrimSpace(vals[0])
		if host == "" || len(host) > maxHostnameLen {
			valid = false
		} else {
			conf.NTP.Server = host
		}
	}
	if vals, ok := r.PostForm["up"]; ok {
		period, err := strconv.Atoi(strings.TrimSpace(vals[0]))
		if err != nil || period < 0 {
			valid = false
		} else {
			conf.NTP.ResyncSeconds = uint32(period)
		}
	}
	conf.Clock.EUSummerTime = r.PostForm.Has("st")
	if vals, ok := r.PostForm["tz"]; ok {
		minutes, err := parseOffset(vals[0])
		if err != nil || minutes < minUTCOffset || minutes > maxUTCOffset {
			valid = false
		} else {
			conf.Clock.UTCOffsetMinutes = minutes
		}
	}

	if !valid {
		s.render(w, http.StatusOK, "error", nil)
		return
	}
	if err := s.config.Update(conf); err != nil {
		log.Println("Settings save failed.", err)
		http.Error(w, "settings not saved", http.StatusInternalServerError)
		return
	}
	s.device.Reconfigure()
	s.render(w, http.StatusOK, "ok", nil)
}

// updateDisplay handles /du: the checkboxes report only when ticked, so
// absence means off.
func (s *Server) updateDisplay(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusInternalServerError)
		return
	}

	conf := s.config.Get()
	conf.Display.Mode24h = r.PostForm.Has("hh")
	conf.Display.ShowTemperature = r.PostForm.Has("te")
	if raw, err := strconv.Atoi(r.PostForm.Get("in")); err == nil {
		conf.Display.Intensity = util.ClampUint8(uint8(max(raw, 0)), 0, 7)
	}

	if err := s.config.Update(conf); err != nil {
		log.Println("Settings save failed.", err)
		http.Error(w, "settings not saved", http.StatusInternalServerError)
		return
	}
	s.device.ApplyDisplay()
	http.Redirect(w, r, "/", http.StatusFound)
}

// updatePassword handles /pu.
func (s *Server) updatePassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusInternalServerError)
		return
	}
	vals, ok := r.PostForm["pw"]
	if !ok {
		http.Error(w, "no password in the form", http.StatusInternalServerError)
		return
	}

	conf := s.config.Get()
	conf.Web.Password = vals[0]
	if err := s.config.Update(conf); err != nil {
		log.Println("Settings save failed.", err)
		http.Error(w, "settings not saved", http.StatusInternalServerError)
		return
	}
	log.Println("Password changed.")
	http.Redirect(w, r, "/", http.StatusFound)
}
