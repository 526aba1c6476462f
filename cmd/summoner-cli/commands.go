package summoner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/briandowns/spinner"
	"github.com/drand/kyber/util/random"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/config"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/fs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/transcript"
)

const refreshRate = 500 * time.Millisecond

func initCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	l := newLogger(conf)

	if _, err := fs.CreateSecureFolder(conf.Folder); err != nil {
		return err
	}
	store, err := ledger.Initialize(c.Context, l, conf.Ledger.Database(), crs.NewPairingValidator(), conf.Ledger.Degree,
		ledger.WithCacheSize(conf.Ledger.CacheSize))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := conf.Save(); err != nil {
		return err
	}
	root, err := store.Root(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "Ledger created at %s\n", store.Path())
	fmt.Fprintf(output, "Genesis CRS of degree %d: %s\n", root.Degree(), root)
	return nil
}

type statusOutput struct {
	Path        string `json:"path"`
	Degree      int    `json:"degree"`
	RootHash    []byte `json:"root_hash"`
	Slot        uint64 `json:"slot"`
	TipHash     []byte `json:"tip_hash"`
	Contributor string `json:"contributor,omitempty"`
	Bans        int    `json:"bans"`
}

func statusCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store, err := openLedger(c, conf, newLogger(conf))
	if err != nil {
		return err
	}
	defer store.Close()

	root, err := store.Root(c.Context)
	if err != nil {
		return err
	}
	tip, err := store.CurrentTip(c.Context)
	if err != nil {
		return err
	}
	bans, err := store.Bans(c.Context)
	if err != nil {
		return err
	}
	status := statusOutput{
		Path:     store.Path(),
		Degree:   root.Degree(),
		RootHash: root.Hash(),
		Slot:     tip.Slot,
		TipHash:  tip.CRS.Hash(),
		Bans:     len(bans),
	}
	if tip.Slot > 0 {
		slot, err := store.Slot(c.Context, tip.Slot)
		if err != nil {
			return err
		}
		status.Contributor = slot.Contributor.String()
	}

	buff, err := json.MarshalIndent(status, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal status: %w", err)
	}
	fmt.Fprintln(output, string(buff))
	return nil
}

func auditCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store, err := openLedger(c, conf, newLogger(conf))
	if err != nil {
		return err
	}
	defer store.Close()

	last, err := store.CurrentSlotNumber(c.Context)
	if err != nil {
		return err
	}

	var done atomic.Uint64
	s := spinner.New(spinner.CharSets[9], refreshRate)
	s.PreUpdate = func(spin *spinner.Spinner) {
		spin.Suffix = fmt.Sprintf("  audited %d/%d slots", done.Load(), last+1)
	}
	s.Writer = output
	s.Start()

	checked, err := store.Audit(c.Context, func(slot uint64) {
		done.Store(slot + 1)
	})
	if err != nil {
		s.FinalMSG = fmt.Sprintf("Audit failed after %d slots: %v\n", checked, err)
		s.Stop()
		return err
	}
	s.FinalMSG = fmt.Sprintf("Audit passed: %d slots verified from the genesis CRS\n", checked)
	s.Stop()
	return nil
}

func checkCmd(c *cli.Context) error {
	addr, err := parseAddressArg(c, 0)
	if err != nil {
		return err
	}
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	l := newLogger(conf)
	store, err := openLedger(c, conf, l)
	if err != nil {
		return err
	}
	defer store.Close()

	gate, err := newGate(conf, l, store, false)
	if err != nil {
		return err
	}
	d, err := gate.Check(c.Context, addr)
	if err != nil {
		return err
	}
	if d.Bid != nil {
		fmt.Fprintf(output, "%s: %s (bid %s)\n", addr, d.Reason, d.Bid.Amount)
		return nil
	}
	fmt.Fprintf(output, "%s: %s\n", addr, d.Reason)
	return nil
}

func contributeCmd(c *cli.Context) error {
	if !c.IsSet(outFlag.Name) {
		return fmt.Errorf("missing --%s flag", outFlag.Name)
	}
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}

	prior, err := priorCRS(c, func() (*crs.CRS, error) {
		store, err := openLedger(c, conf, newLogger(conf))
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.CurrentCRS(c.Context)
	})
	if err != nil {
		return err
	}

	raw, err := crs.Contribute(prior, random.New())
	if err != nil {
		return err
	}
	buff, err := raw.MarshalBinary()
	if err != nil {
		return err
	}
	if err := fs.WriteSecureFile(c.String(outFlag.Name), buff); err != nil {
		return err
	}
	fmt.Fprintf(output, "Contribution on top of %s saved to %s\n", prior, c.String(outFlag.Name))
	return nil
}

// priorCRS reads the CRS given with --crs, or falls back to the ledger.
func priorCRS(c *cli.Context, fromLedger func() (*crs.CRS, error)) (*crs.CRS, error) {
	if !c.IsSet(crsFileFlag.Name) {
		return fromLedger()
	}
	buff, err := os.ReadFile(c.String(crsFileFlag.Name))
	if err != nil {
		return nil, err
	}
	raw, err := crs.DecodeCRS(buff)
	if err != nil {
		return nil, err
	}
	return crs.NewPairingValidator().ValidateStructure(c.Context, raw)
}

func commitCmd(c *cli.Context) error {
	addr, err := parseAddressArg(c, 0)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return errors.New("missing contribution file argument")
	}
	buff, err := os.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}
	raw, err := crs.DecodeContribution(buff)
	if err != nil {
		return fmt.Errorf("%w: %w", ceremony.ErrInvalidContribution, err)
	}

	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	l := newLogger(conf)
	store, err := openLedger(c, conf, l)
	if err != nil {
		return err
	}
	defer store.Close()

	gate, err := newGate(conf, l, store, c.Bool(skipBidFlag.Name))
	if err != nil {
		return err
	}
	coord, err := ceremony.New(c.Context, store, gate, crs.NewPairingValidator(), ceremonyOptions(conf, l)...)
	if err != nil {
		return err
	}
	defer coord.Stop()

	published, err := publishOnCommit(c.Context, conf, l, coord)
	if err != nil {
		return err
	}

	slot, err := coord.CommitContribution(c.Context, addr, raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "Contribution of %s committed at slot %d\n", addr, slot)

	if published != nil {
		select {
		case <-published:
		case <-c.Context.Done():
			return c.Context.Err()
		}
	}
	return nil
}

func exportCmd(c *cli.Context) error {
	if !c.IsSet(exportDirFlag.Name) {
		return fmt.Errorf("missing --%s flag", exportDirFlag.Name)
	}
	pub, err := transcript.NewDirPublisher(c.String(exportDirFlag.Name))
	if err != nil {
		return err
	}
	return syncTranscript(c, pub)
}

func publishCmd(c *cli.Context) error {
	if !c.IsSet(bucketFlag.Name) {
		return fmt.Errorf("missing --%s flag", bucketFlag.Name)
	}
	pub, err := transcript.NewS3Publisher(c.String(regionFlag.Name), c.String(bucketFlag.Name), c.String(prefixFlag.Name))
	if err != nil {
		return err
	}
	return syncTranscript(c, pub)
}

func syncTranscript(c *cli.Context, pub transcript.Publisher) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	l := newLogger(conf)
	store, err := openLedger(c, conf, l)
	if err != nil {
		return err
	}
	defer store.Close()

	published, err := transcript.NewExporter(l, pub, nil).Sync(c.Context, store, c.Uint64(fromFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "Published %d slots\n", published)
	return nil
}

func banCmd(c *cli.Context) error {
	addr, err := parseAddressArg(c, 0)
	if err != nil {
		return err
	}
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store, err := openLedger(c, conf, newLogger(conf))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Ban(c.Context, addr, c.String(reasonFlag.Name)); err != nil {
		return err
	}
	fmt.Fprintf(output, "%s banned\n", addr)
	return nil
}

func unbanCmd(c *cli.Context) error {
	addr, err := parseAddressArg(c, 0)
	if err != nil {
		return err
	}
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store, err := openLedger(c, conf, newLogger(conf))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Unban(c.Context, addr); err != nil {
		return err
	}
	fmt.Fprintf(output, "%s unbanned\n", addr)
	return nil
}

func bansCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store, err := openLedger(c, conf, newLogger(conf))
	if err != nil {
		return err
	}
	defer store.Close()

	bans, err := store.Bans(c.Context)
	if err != nil {
		return err
	}
	for _, b := range bans {
		fmt.Fprintf(output, "%s\t%s\t%s\n", b.Address, b.BannedAt.UTC().Format(time.RFC3339), b.Reason)
	}
	return nil
}

// publishOnCommit registers the transcript callback on coord when the
// configuration has a destination. The returned channel is closed once the
// first commit was published.
func publishOnCommit(ctx context.Context, conf *config.Config, l log.Logger, coord *ceremony.Coordinator) (<-chan struct{}, error) {
	pub, err := newPublisher(conf)
	if err != nil || pub == nil {
		return nil, err
	}
	root, err := coord.Root(ctx)
	if err != nil {
		return nil, err
	}
	cb := transcript.NewExporter(l, pub, nil).Callback(ctx, root)
	done := make(chan struct{})
	var once sync.Once
	coord.AddCallback("transcript", func(commit *ceremony.Commit, closed bool) {
		cb(commit, closed)
		if !closed {
			once.Do(func() { close(done) })
		}
	})
	return done, nil
}
