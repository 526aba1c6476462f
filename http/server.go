// Package http serves a read-only view of the ceremony: the root, the current
// CRS, committed slots and eligibility of candidates.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/metrics"
)

// Coordinator is the ceremony state the API reports.
type Coordinator interface {
	CurrentTip(ctx context.Context) (*ledger.Tip, error)
	Root(ctx context.Context) (*crs.CRS, error)
	Phase() ceremony.Phase
	Halted() error
}

// SlotReader reads committed slots.
type SlotReader interface {
	Slot(ctx context.Context, n uint64) (*ledger.Slot, error)
}

// Gate decides eligibility.
type Gate interface {
	Check(ctx context.Context, addr common.Address) (admission.Decision, error)
}

// Info summarizes the ceremony.
type Info struct {
	Version  string `json:"version"`
	Phase    string `json:"phase"`
	Halted   string `json:"halted,omitempty"`
	Degree   int    `json:"degree"`
	RootHash []byte `json:"root_hash"`
	Tip      uint64 `json:"tip"`
	TipHash  []byte `json:"tip_hash"`
}

// SlotResponse is one committed slot.
type SlotResponse struct {
	Slot        uint64 `json:"slot"`
	Root        bool   `json:"root"`
	Contributor string `json:"contributor,omitempty"`
	Payload     []byte `json:"payload"`
}

// Eligibility is the admission decision for an address.
type Eligibility struct {
	Address  string `json:"address"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
	Bid      uint64 `json:"bid,omitempty"`
}

// New creates an HTTP handler for the public ceremony API.
func New(l log.Logger, version string, c Coordinator, slots SlotReader, gate Gate) http.Handler {
	h := handler{
		log:     l.Named("http"),
		version: version,
		coord:   c,
		slots:   slots,
		gate:    gate,
	}

	r := chi.NewRouter()
	r.Handle("/metrics", metrics.HTTPHandler())
	r.Group(func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)
		r.Get("/info", h.Info)
		r.Get("/root", h.Root)
		r.Get("/crs", h.CRS)
		r.Get("/slots/{slot}", h.Slot)
		r.Get("/eligibility/{address}", h.Eligibility)
	})
	return r
}

type handler struct {
	log     log.Logger
	version string
	coord   Coordinator
	slots   SlotReader
	gate    Gate
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.log.Warnw("", "client", r.RemoteAddr, "status", status, "req", url.PathEscape(r.URL.Path), "err", err)
	http.Error(w, http.StatusText(status), status)
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// statusOf maps ledger failures to a response code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) Info(w http.ResponseWriter, r *http.Request) {
	root, err := h.coord.Root(r.Context())
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	info := Info{
		Version:  h.version,
		Phase:    h.coord.Phase().String(),
		Degree:   root.Degree(),
		RootHash: root.Hash(),
	}
	if halt := h.coord.Halted(); halt != nil {
		info.Halted = halt.Error()
	} else {
		tip, err := h.coord.CurrentTip(r.Context())
		if err != nil {
			h.fail(w, r, statusOf(err), err)
			return
		}
		info.Tip = tip.Slot
		info.TipHash = tip.CRS.Hash()
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.writeJSON(w, r, info)
}

func (h *handler) serveCRS(w http.ResponseWriter, r *http.Request, name string, c *crs.CRS, modified time.Time) {
	data, err := c.Bytes()
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("%x", c.Hash())))
	http.ServeContent(w, r, name, modified, bytes.NewReader(data))
}

func (h *handler) Root(w http.ResponseWriter, r *http.Request) {
	root, err := h.coord.Root(r.Context())
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=604800, immutable")
	h.serveCRS(w, r, "root.cbor", root, time.Time{})
}

func (h *handler) CRS(w http.ResponseWriter, r *http.Request) {
	tip, err := h.coord.CurrentTip(r.Context())
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Summoner-Slot", strconv.FormatUint(tip.Slot, 10))
	h.serveCRS(w, r, "crs.cbor", tip.CRS, time.Time{})
}

func (h *handler) Slot(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "slot"), 10, 64)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	slot, err := h.slots.Slot(r.Context(), n)
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}

	resp := SlotResponse{
		Slot:    slot.Number,
		Root:    slot.IsRoot,
		Payload: slot.Payload,
	}
	if !slot.IsRoot {
		resp.Contributor = slot.Contributor.String()
	}
	// committed slots never change
	w.Header().Set("Cache-Control", "public, max-age=604800, immutable")
	h.writeJSON(w, r, resp)
}

func (h *handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	addr, err := common.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	d, err := h.gate.Check(r.Context(), addr)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, admission.ErrObserverUnavailable) {
			status = http.StatusBadGateway
		}
		h.fail(w, r, status, err)
		return
	}

	resp := Eligibility{
		Address:  addr.String(),
		Eligible: d.Eligible(),
		Reason:   string(d.Reason),
	}
	if d.Bid != nil {
		resp.Bid = uint64(d.Bid.Amount)
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.writeJSON(w, r, resp)
}
