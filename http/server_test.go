package http

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/drand/kyber/util/random"
	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/testlogger"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/ledger/database"
)

type bids map[common.Address]common.Amount

func (b bids) TotalAmountSentTo(_ context.Context, addr common.Address) (common.Amount, error) {
	return b[addr], nil
}

type env struct {
	srv      *httptest.Server
	ledger   *ledger.Ledger
	coord    *ceremony.Coordinator
	eligible common.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	v := crs.NewPairingValidator()
	l, err := ledger.Initialize(ctx, testlogger.New(t), database.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, v, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	var eligible common.Address
	eligible[0] = 1
	gate := admission.NewGate(testlogger.New(t), bids{eligible: 42}, admission.WithContributionChecker(l))
	coord, err := ceremony.New(ctx, l, gate, v, ceremony.WithLogger(testlogger.New(t)))
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	srv := httptest.NewServer(New(testlogger.New(t), "test", coord, l, gate))
	t.Cleanup(srv.Close)
	return &env{srv: srv, ledger: l, coord: coord, eligible: eligible}
}

func (e *env) get(t *testing.T, path string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestInfoAndCRS(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var info Info
	resp := e.get(t, "/info", &info)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "test", info.Version)
	require.Equal(t, 2, info.Degree)
	require.Equal(t, uint64(0), info.Tip)
	require.Equal(t, info.RootHash, info.TipHash)
	require.Equal(t, ceremony.AwaitingContribution.String(), info.Phase)

	slot, err := e.coord.Contribute(ctx, e.eligible, ceremony.RandomSource(random.New(rand.Reader)))
	require.NoError(t, err)

	resp = e.get(t, "/crs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("X-Summoner-Slot"))
	require.Equal(t, "application/cbor", resp.Header.Get("Content-Type"))
	raw := new(crs.RawCRS)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, raw.UnmarshalBinary(body))
	tip, err := e.coord.CurrentCRS(ctx)
	require.NoError(t, err)
	got, err := crs.NewPairingValidator().ValidateStructure(ctx, raw)
	require.NoError(t, err)
	require.True(t, tip.Equal(got))

	info = Info{}
	e.get(t, "/info", &info)
	require.Equal(t, slot, info.Tip)
	require.Equal(t, tip.Hash(), info.TipHash)
	require.Equal(t, ceremony.Committed.String(), info.Phase)

	resp = e.get(t, "/root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
}

func TestSlots(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Contribute(context.Background(), e.eligible, ceremony.RandomSource(random.New(rand.Reader)))
	require.NoError(t, err)

	var s SlotResponse
	resp := e.get(t, "/slots/1", &s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(1), s.Slot)
	require.False(t, s.Root)
	require.Equal(t, e.eligible.String(), s.Contributor)
	_, err = crs.DecodeContribution(s.Payload)
	require.NoError(t, err)

	s = SlotResponse{}
	e.get(t, "/slots/0", &s)
	require.True(t, s.Root)
	require.Empty(t, s.Contributor)

	require.Equal(t, http.StatusNotFound, e.get(t, "/slots/7", nil).StatusCode)
	require.Equal(t, http.StatusBadRequest, e.get(t, "/slots/tip", nil).StatusCode)
}

func TestEligibility(t *testing.T) {
	e := newEnv(t)

	var el Eligibility
	resp := e.get(t, "/eligibility/"+e.eligible.String(), &el)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, el.Eligible)
	require.Equal(t, uint64(42), el.Bid)

	var other common.Address
	other[0] = 2
	el = Eligibility{}
	e.get(t, "/eligibility/"+other.String(), &el)
	require.False(t, el.Eligible)
	require.Equal(t, string(admission.ReasonBidTooLow), el.Reason)

	require.Equal(t, http.StatusBadRequest, e.get(t, "/eligibility/nope", nil).StatusCode)
	require.Equal(t, http.StatusMethodNotAllowed, postStatus(t, e.srv.URL+"/info"))

	resp = e.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "http_call_counter")
}

func postStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}
