package serve

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	Control Controller
	Takes   Takes
	Events  *EventStream

	// Preview is optional.
	Preview http.Handler

	// AccessLog receives an Apache style access log line per request.
	AccessLog io.Writer
}

// NewHandler builds the HTTP surface.
func NewHandler(o Options) http.Handler {
	mux := http.NewServeMux()
	control := &ControlServer{C: o.Control}
	mux.Handle("/record", control)
	mux.Handle("/record/", control)
	mux.Handle("/takes", &MetaServer{M: o.Takes})
	mux.Handle("/video", &FileServer{FS: o.Takes.Filesystem()})
	mux.Handle("/delete", &DeleteServer{M: o.Takes})
	if o.Events != nil {
		mux.Handle("/events", o.Events)
	}
	if o.Preview != nil {
		mux.Handle("/preview", o.Preview)
	}
	mux.Handle("/metrics", promhttp.Handler())

	var h http.Handler = mux
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
	)(h)
	if o.AccessLog != nil {
		h = handlers.LoggingHandler(o.AccessLog, h)
	}
	return h
}
