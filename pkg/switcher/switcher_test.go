package switcher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/fetch"
	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/metadata"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// appImage renders a raw-binary firmware build: vector table, padding,
// embedded product string.
func appImage(product string) []byte {
	img := make([]byte, 2048)
	for i := range img {
		img[i] = 0xff
	}
	binary.LittleEndian.PutUint32(img[0:4], 0x20008000)
	binary.LittleEndian.PutUint32(img[4:8], firmware.AppBase|0x101)
	copy(img[64:], product)
	img[64+len(product)] = 0
	return img
}

// autoInteractor answers every prompt without a human.
type autoInteractor struct {
	confirm  bool
	variant  string
	prompted int
}

func (a *autoInteractor) SelectProbe(probes []probe.Probe) (probe.Probe, error) {
	a.prompted++
	return probes[0], nil
}

func (a *autoInteractor) SelectVariant(res metadata.Resolution) (string, error) {
	a.prompted++
	return a.variant, nil
}

func (a *autoInteractor) Confirm(summary string) (bool, error) {
	return a.confirm, nil
}

// fixture wires a simulated probe against an httptest release server.
type fixture struct {
	sim      *dfu.Simulator
	workflow *Workflow
	interact *autoInteractor
}

func newFixture(t *testing.T, sim *dfu.Simulator) *fixture {
	t.Helper()

	image := appImage("Black Magic Probe v1.10.0")
	mux := http.NewServeMux()
	mux.HandleFunc("/blackmagic-native-v1_10_0.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(image)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	index := map[string]any{
		"version": 1,
		"releases": map[string]any{
			"v1.10.0": map[string]any{
				"includesBMDA": false,
				"firmware": map[string]any{
					"native": map[string]any{
						"full": map[string]any{
							"friendlyName": "Black Magic Debug for BMP (full)",
							"fileName":     "blackmagic-native-v1_10_0.bin",
							"uri":          ts.URL + "/blackmagic-native-v1_10_0.bin",
							"digest":       digest.FromBytes(image).String(),
						},
					},
				},
			},
		},
	}
	indexBody, err := json.Marshal(index)
	require.NoError(t, err)
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(indexBody)
	})

	interact := &autoInteractor{confirm: true}
	workflow := &Workflow{
		Scan:     sim.Rescan,
		Store:    metadata.NewStore(ts.URL+"/metadata.json", t.TempDir(), ts.Client()),
		Fetcher:  fetch.New(ts.Client()),
		Open:     sim.Open,
		Interact: interact,
		Options: dfu.Options{
			ReenumerateTimeout: 50 * time.Millisecond,
			PollInterval:       time.Millisecond,
			VerifyAfterProgram: true,
		},
	}
	return &fixture{sim: sim, workflow: workflow, interact: interact}
}

func TestSwitchFromApplicationMode(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6"))

	outcome, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	require.NoError(t, err)

	assert.True(t, outcome.BeforeKnown)
	assert.Equal(t, "v1.9.0", outcome.Before.Version.String())
	assert.Equal(t, "v1.10.0", outcome.Tag)
	assert.True(t, outcome.Flashed)
	assert.False(t, outcome.AlreadyCurrent)
	assert.False(t, outcome.ResetFailed)
	require.True(t, outcome.AfterKnown)
	assert.Equal(t, "v1.10.0", outcome.After.Version.String())
	assert.Equal(t, probe.ModeApplication, f.sim.Mode())
}

func TestSwitchWaitsForReenumerationAfterFlash(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6"))

	// Real probes take a moment to reboot into fresh firmware: hide the
	// device from the first few scans after the new application comes up.
	var hidden int
	inner := f.workflow.Scan
	f.workflow.Scan = func() ([]probe.Probe, error) {
		probes, err := inner()
		if err != nil {
			return nil, err
		}
		for _, p := range probes {
			if p.Mode == probe.ModeApplication && p.Product == "Black Magic Probe v1.10.0" && hidden < 3 {
				hidden++
				return nil, nil
			}
		}
		return probes, nil
	}

	outcome, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	require.NoError(t, err)
	assert.Equal(t, 3, hidden)
	require.True(t, outcome.AfterKnown)
	assert.Equal(t, "v1.10.0", outcome.After.Version.String())
}

func TestSwitchIdentifiesFromBootloaderReadback(t *testing.T) {
	sim := dfu.NewSimulator(probe.BootSTM32, "", "")
	sim.Preload(firmware.AppBase, appImage("Black Magic Probe v1.9.1"))
	f := newFixture(t, sim)

	outcome, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	require.NoError(t, err)

	assert.True(t, outcome.BeforeKnown)
	assert.Equal(t, "v1.9.1", outcome.Before.Version.String())
	assert.Equal(t, probe.PlatformNative, outcome.Before.Platform)
	assert.True(t, outcome.Flashed)
}

func TestSwitchAlreadyCurrent(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.10.0", "E2C0C4B6"))

	outcome, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyCurrent)
	assert.False(t, outcome.Flashed)

	// Force overrides the version check.
	outcome, err = f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher(), Force: true})
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyCurrent)
	assert.True(t, outcome.Flashed)
}

func TestSwitchUnidentifiableNeedsExplicitPlatform(t *testing.T) {
	// Erased flash: the probe sits in its bootloader with nothing to
	// identify.
	f := newFixture(t, dfu.NewSimulator(probe.BootSTM32, "", ""))

	_, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	require.ErrorIs(t, err, ErrPlatformRequired)

	outcome, err := f.workflow.Run(context.Background(), Request{
		Matcher:     probe.NewMatcher(),
		Platform:    probe.PlatformNative,
		PlatformSet: true,
	})
	require.NoError(t, err)
	assert.False(t, outcome.BeforeKnown)
	assert.True(t, outcome.Flashed)
	require.True(t, outcome.AfterKnown)
	assert.Equal(t, "v1.10.0", outcome.After.Version.String())
}

func TestSwitchDeclined(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6"))
	f.interact.confirm = false

	_, err := f.workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, probe.ModeApplication, f.sim.Mode())
	assert.Equal(t, "Black Magic Probe v1.9.0", f.sim.Probe().Product)
}

func TestSwitchNoProbeFound(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6"))

	_, err := f.workflow.Run(context.Background(), Request{
		Matcher: probe.Matcher{Serial: "FFFFFFFF", Index: -1},
	})
	assert.ErrorContains(t, err, "no matching probe")
}

func TestSwitchRejectsExactReleaseMissing(t *testing.T) {
	f := newFixture(t, dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6"))

	_, err := f.workflow.Run(context.Background(), Request{
		Matcher:  probe.NewMatcher(),
		Selector: metadata.Selector{Exact: "v1.6.0"},
	})
	assert.ErrorIs(t, err, metadata.ErrNoMatchingRelease)
}

func TestSwitchCorruptAsset(t *testing.T) {
	sim := dfu.NewSimulator(probe.BootBMD, "Black Magic Probe v1.9.0", "E2C0C4B6")
	image := appImage("Black Magic Probe v1.10.0")

	mux := http.NewServeMux()
	mux.HandleFunc("/blackmagic-native-v1_10_0.bin", func(w http.ResponseWriter, r *http.Request) {
		// Served bytes differ from the published digest.
		w.Write(append([]byte{0x00}, image...))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	index := fmt.Sprintf(`{"version":1,"releases":{"v1.10.0":{"includesBMDA":false,
		"firmware":{"native":{"full":{"friendlyName":"BMD","fileName":"blackmagic-native-v1_10_0.bin",
		"uri":%q,"digest":%q}}}}}}`,
		ts.URL+"/blackmagic-native-v1_10_0.bin", digest.FromBytes(image))
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(index))
	})

	workflow := &Workflow{
		Scan:     sim.Rescan,
		Store:    metadata.NewStore(ts.URL+"/metadata.json", t.TempDir(), ts.Client()),
		Fetcher:  fetch.New(ts.Client()),
		Open:     sim.Open,
		Interact: &autoInteractor{confirm: true},
	}
	_, err := workflow.Run(context.Background(), Request{Matcher: probe.NewMatcher()})

	var integrity *fetch.IntegrityError
	require.ErrorAs(t, err, &integrity)
	// The probe was never touched.
	assert.Equal(t, probe.ModeApplication, sim.Mode())
	assert.Empty(t, sim.ErasedPages())
}
