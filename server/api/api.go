package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfufile"
	"github.com/dfu-tools/dfud-go/memorywriter"
)

// This package serves the bridge device API. The actual logic of
// enumeration and transfers is in the core package; here we deal with
// converting the data from the request and formatting the reply.

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, v string, l *memorywriter.MemoryWriter, extraOrigins []string) {
	api := &api{
		core:    c,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/listen", api.Listen)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/acquire/{path}", api.Acquire)
	r.HandleFunc("/acquire/{path}/{session}", api.Acquire)
	r.HandleFunc("/release/{session}", api.Release)
	r.HandleFunc("/detach/{session}", api.Detach)
	r.HandleFunc("/download/{session}", api.Download)
	r.HandleFunc("/upload/{session}", api.Upload)
	r.HandleFunc("/progress/{session}", api.Progress)

	r.Use(CORS(corsValidator(extraOrigins...)))
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("version " + a.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Listen(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("starting")
	var entries core.EnumerateEntries

	err := json.NewDecoder(r.Body).Decode(&entries)
	defer func() {
		errClose := r.Body.Close()
		if errClose != nil {
			// just log
			a.logger.Log("Error on request close: " + errClose.Error())
		}
	}()

	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Listen(r.Context(), entries)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")
	e, err := a.core.Enumerate()
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.logger.Log("encoding and exiting")
	err = json.NewEncoder(w).Encode(e)
	a.checkJSONError(w, err)
}

func (a *api) Acquire(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := vars["path"]
	prev := vars["session"]
	if prev == "null" {
		prev = ""
	}
	alt, err := queryUint(r, "alt", 0, 8)
	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Acquire(path, prev, uint8(alt))
	if err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Session string `json:"session"`
	}

	err = json.NewEncoder(w).Encode(result{
		Session: res,
	})
	a.checkJSONError(w, err)
}

func (a *api) Release(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	session := vars["session"]

	err := a.core.Release(session)

	if err != nil {
		a.respondError(w, err)
		return
	}

	a.logger.Log("done, encoding")
	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Detach(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	session := vars["session"]

	err := a.core.Detach(r.Context(), session)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

// outcomeResult is the JSON shape of a finished transfer.
type outcomeResult struct {
	Status string `json:"status"`
	Bytes  uint64 `json:"bytesTransferred"`
	Error  string `json:"error,omitempty"`
}

func makeOutcomeResult(out core.Outcome) outcomeResult {
	res := outcomeResult{
		Status: out.Status.String(),
		Bytes:  out.BytesTransferred,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}

func (a *api) Download(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	session := vars["session"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.respondError(w, err)
		return
	}

	var img *dfufile.Image
	if dfufile.IsDfuSe(body) {
		f, err := dfufile.ParseDfuSe(body)
		if err != nil {
			a.respondError(w, err)
			return
		}
		target, err := queryUint(r, "target", 0, 8)
		if err != nil {
			a.respondError(w, err)
			return
		}
		img, err = f.Target(uint8(target))
		if err != nil {
			a.respondError(w, err)
			return
		}
	} else {
		base, err := queryUint(r, "base", 0, 32)
		if err != nil {
			a.respondError(w, err)
			return
		}
		img, err = dfufile.ParseRaw(body, uint32(base))
		if err != nil {
			a.respondError(w, err)
			return
		}
	}

	out := a.core.Download(r.Context(), session, img, nil)
	a.logger.Log("download finished: " + out.Status.String())
	err = json.NewEncoder(w).Encode(makeOutcomeResult(out))
	a.checkJSONError(w, err)
}

func (a *api) Upload(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	session := vars["session"]

	base, err := queryUint(r, "base", 0, 32)
	if err != nil {
		a.respondError(w, err)
		return
	}
	length, err := queryUint(r, "length", 0, 64)
	if err != nil {
		a.respondError(w, err)
		return
	}

	out := a.core.Upload(r.Context(), session, uint32(base), length, nil)
	if out.Err != nil {
		a.respondError(w, out.Err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	for _, seg := range out.Image.Segments() {
		if _, err := w.Write(seg.Data); err != nil {
			a.logger.Log("Error while writing upload: " + err.Error())
			return
		}
	}
}

func (a *api) Progress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]

	p, err := a.core.Progress(session)
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(p)
	a.checkJSONError(w, err)
}

// queryUint parses an optional numeric query parameter. Hex with an 0x
// prefix works, which is how firmware addresses are usually written.
func queryUint(r *http.Request, name string, def uint64, bits int) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 0, bits)
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	a.logger.Log("Returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		a.logger.Log("Error while writing error: " + err.Error())
	}
}
