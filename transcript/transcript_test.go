package transcript

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/drand/kyber/util/random"
	"github.com/jonboulle/clockwork"
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

type fakeUploader struct {
	s3manageriface.UploaderAPI
	sync.Mutex
	objects map[string]*s3manager.UploadInput
	bodies  map[string][]byte
	fail    error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.Lock()
	defer f.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.StringValue(in.Key)
	f.objects[key] = in
	f.bodies[key] = body
	return &s3manager.UploadOutput{Location: "https://bucket.example/" + key}, nil
}

func newLedger(t *testing.T, contributions int) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	v := crs.NewPairingValidator()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Initialize(ctx, testlogger.New(t), database.Config{Path: path}, v, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	for i := 0; i < contributions; i++ {
		tip, err := l.CurrentTip(ctx)
		require.NoError(t, err)
		raw, err := crs.Contribute(tip.CRS, random.New(rand.Reader))
		require.NoError(t, err)
		c, err := v.ValidateExtends(ctx, raw, tip.CRS)
		require.NoError(t, err)
		var addr common.Address
		addr[0] = byte(i + 1)
		_, err = l.AppendContribution(ctx, addr, tip.Slot, c)
		require.NoError(t, err)
	}
	return l
}

func TestSyncToDirectory(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 2)
	dir := filepath.Join(t.TempDir(), "export")
	pub, err := NewDirPublisher(dir)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	e := NewExporter(testlogger.New(t), pub, clock)
	n, err := e.Sync(ctx, l, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	for _, name := range []string{"slots/0.cbor", "slots/1.cbor", "slots/2.cbor", "slots/2.json"} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err, name)
	}

	buff, err := os.ReadFile(filepath.Join(dir, manifestKey))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(buff, &m))
	tip, err := l.CurrentTip(ctx)
	require.NoError(t, err)
	root, err := l.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), m.Tip)
	require.Equal(t, tip.CRS.Hash(), m.TipHash)
	require.Equal(t, root.Hash(), m.RootHash)
	require.Equal(t, 2, m.Degree)
	require.Equal(t, int64(1700000000), m.UpdatedAt)

	buff, err = os.ReadFile(filepath.Join(dir, "slots", "1.json"))
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(buff, &entry))
	require.False(t, entry.Root)
	require.Equal(t, root.Hash(), entry.Parent)

	// a payload read back from the export verifies against its parent
	payload, err := os.ReadFile(filepath.Join(dir, "slots", "1.cbor"))
	require.NoError(t, err)
	raw, err := crs.DecodeContribution(payload)
	require.NoError(t, err)
	c, err := crs.NewPairingValidator().ValidateExtends(ctx, raw, root)
	require.NoError(t, err)
	require.Equal(t, entry.Hash, c.NewElements().Hash())

	// syncing past the tip publishes nothing
	n, err = e.Sync(ctx, l, 5)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestS3Publisher(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1)
	upr := &fakeUploader{objects: map[string]*s3manager.UploadInput{}, bodies: map[string][]byte{}}
	e := NewExporter(testlogger.New(t), newS3Publisher(upr, "ceremony", "transcript"), clockwork.NewFakeClock())

	n, err := e.Sync(ctx, l, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	in, ok := upr.objects["transcript/slots/1.cbor"]
	require.True(t, ok)
	require.Equal(t, "ceremony", aws.StringValue(in.Bucket))
	require.Equal(t, contentTypeCBOR, aws.StringValue(in.ContentType))
	require.Contains(t, aws.StringValue(in.CacheControl), "immutable")
	manifest, ok := upr.objects["transcript/manifest.json"]
	require.True(t, ok)
	require.NotContains(t, aws.StringValue(manifest.CacheControl), "immutable")

	upr.fail = errors.New("access denied")
	_, err = e.Sync(ctx, l, 0)
	require.ErrorIs(t, err, upr.fail)
}

func TestManifestOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 0)
	root, err := l.Root(ctx)
	require.NoError(t, err)
	upr := &fakeUploader{objects: map[string]*s3manager.UploadInput{}, bodies: map[string][]byte{}}
	e := NewExporter(testlogger.New(t), newS3Publisher(upr, "b", ""), clockwork.NewFakeClock())

	require.NoError(t, e.PublishManifest(ctx, root, 3, root))
	require.NoError(t, e.PublishManifest(ctx, root, 2, root))
	var m Manifest
	require.NoError(t, json.Unmarshal(upr.bodies[manifestKey], &m))
	require.Equal(t, uint64(3), m.Tip)
}

type bids map[common.Address]common.Amount

func (b bids) TotalAmountSentTo(_ context.Context, addr common.Address) (common.Amount, error) {
	return b[addr], nil
}

func TestCommitCallbackPublishes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 0)
	root, err := l.Root(ctx)
	require.NoError(t, err)

	var addr common.Address
	addr[0] = 7
	gate := admission.NewGate(testlogger.New(t), bids{addr: 10}, admission.WithContributionChecker(l))
	coord, err := ceremony.New(ctx, l, gate, crs.NewPairingValidator(), ceremony.WithLogger(testlogger.New(t)))
	require.NoError(t, err)
	defer coord.Stop()

	dir := t.TempDir()
	pub, err := NewDirPublisher(dir)
	require.NoError(t, err)
	e := NewExporter(testlogger.New(t), pub, nil)
	coord.AddCallback("transcript", e.Callback(ctx, root))

	slot, err := coord.Contribute(ctx, addr, ceremony.RandomSource(random.New(rand.Reader)))
	require.NoError(t, err)
	require.Equal(t, uint64(1), slot)

	require.Eventually(t, func() bool {
		buff, err := os.ReadFile(filepath.Join(dir, manifestKey))
		if err != nil {
			return false
		}
		var m Manifest
		return json.Unmarshal(buff, &m) == nil && m.Tip == 1
	}, 5*time.Second, 10*time.Millisecond)

	buff, err := os.ReadFile(filepath.Join(dir, "slots", "1.json"))
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(buff, &entry))
	require.Equal(t, addr.String(), entry.Contributor)
}
