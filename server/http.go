package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/memorywriter"
	"github.com/dfu-tools/dfud-go/server/api"
	"github.com/dfu-tools/dfud-go/server/status"
)

type serverPrivate struct {
	*http.Server
}

// Server is the local bridge daemon: the JSON device API under /, the
// human status page under /status/.
type Server struct {
	serverPrivate

	writer io.Writer
}

func New(
	c *core.Core,
	stderrWriter io.Writer,
	shortWriter *memorywriter.MemoryWriter,
	longWriter *memorywriter.MemoryWriter,
	version string,
	addr string,
	extraOrigins []string,
) (*Server, error) {
	longWriter.Log("starting")

	https := &http.Server{
		Addr: addr,
	}

	allWriter := io.MultiWriter(stderrWriter, shortWriter, longWriter)
	s := &Server{
		serverPrivate: serverPrivate{
			Server: https,
		},
		writer: allWriter,
	}

	r := mux.NewRouter()
	statusRouter := r.PathPrefix("/status").Subrouter()
	postRouter := r.Methods("POST").Subrouter()
	redirectRouter := r.Methods("GET").Path("/").Subrouter()

	status.ServeStatus(statusRouter, c, version, addr, shortWriter, longWriter)
	api.ServeAPI(postRouter, c, version, longWriter, extraOrigins)

	status.ServeStatusRedirect(redirectRouter, addr)

	var h http.Handler = r

	// Log after the request is done, in the Apache format.
	h = handlers.LoggingHandler(allWriter, h)
	// Log when the request is received.
	h = s.logRequest(h)

	https.Handler = h

	longWriter.Log("server created")
	return s, nil
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text := fmt.Sprintf("%s %s\n", r.Method, r.URL)
		_, err := s.writer.Write([]byte(text))
		if err != nil {
			// give up, just print on stdout
			fmt.Println(err)
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) Run() error {
	return s.ListenAndServe()
}
