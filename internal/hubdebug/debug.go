// Package hubdebug serves a read-only dump of the Hub's in-memory state
// (ownership map, rate_info table) as JSON, for operator diagnosis.
package hubdebug

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"vehiclehub/internal/hub"
	"vehiclehub/pkg/propmodel"
)

// propertyDump is one row of the /debug/properties response.
type propertyDump struct {
	PropID propmodel.PropertyID `json:"propId"`
	Owner  string               `json:"owner"`
}

// rateDump is one row of the /debug/rates response.
type rateDump struct {
	PropID       propmodel.PropertyID `json:"propId"`
	AreaID       propmodel.AreaID     `json:"areaId"`
	UpdateRateHz float32              `json:"updateRateHz"`
}

// Router returns a mux.Router serving the Hub's debug endpoints, mirroring
// the teacher's subrouter-per-concern layout.
func Router(h *hub.Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/debug/properties", propertiesHandler(h)).Methods(http.MethodGet)
	r.HandleFunc("/debug/rates", ratesHandler(h)).Methods(http.MethodGet)
	return r
}

func propertiesHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dump := h.DumpProperties()
		rows := make([]propertyDump, 0, len(dump))
		for propID, owner := range dump {
			rows = append(rows, propertyDump{PropID: propID, Owner: owner})
		}
		writeJSON(w, rows)
	}
}

func ratesHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dump := h.DumpRates()
		rows := make([]rateDump, 0, len(dump))
		for pa, ri := range dump {
			rows = append(rows, rateDump{PropID: pa.PropID, AreaID: pa.AreaID, UpdateRateHz: ri.UpdateRateHz})
		}
		writeJSON(w, rows)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
