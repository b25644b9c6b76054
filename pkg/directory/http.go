package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/relay/pkg/types"
)

// Entry is the JSON body of register requests and lookup responses.
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	PubKey      types.Identity `json:"pubkey"`
}

// Routes mounts the directory endpoints:
//
//	POST /identity               register an Entry
//	GET  /identity/:fingerprint  look up an Entry
func (d *Directory) Routes(r *httprouter.Router, log logrus.FieldLogger) {
	r.POST("/identity", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		defer req.Body.Close()
		var e Entry
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4096)).Decode(&e); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := d.Register(e.Fingerprint, e.PubKey)
		switch {
		case errors.Is(err, ErrFingerprintMismatch):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		log.WithField("fingerprint", e.Fingerprint).Info("Identity registered")
		writeJSON(w, e)
	})

	r.GET("/identity/:fingerprint", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		fp := ps.ByName("fingerprint")
		key, err := d.Lookup(fp)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, Entry{Fingerprint: fp, PubKey: key})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
