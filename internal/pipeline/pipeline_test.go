package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/mmtview/internal/distribution"
	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/synth"
	"github.com/zsiec/mmtview/internal/vfs"
)

func synthStream(t *testing.T, seconds int) []byte {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.Seconds = seconds
	data, err := synth.Build(cfg)
	if err != nil {
		t.Fatalf("synth.Build: %v", err)
	}
	return data
}

func newTestPipeline(opts ...Option) (*Pipeline, *distribution.Relay, *vfs.FS) {
	relay := distribution.NewRelay(nil)
	files := vfs.New(nil)
	return New("test-stream", relay, files, opts...), relay, files
}

func TestSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPipeline(WithProtocol("test"))
	snap := p.Snapshot()
	if snap.ViewerCount != 0 || snap.BytesIn != 0 || snap.Files != 0 {
		t.Errorf("snapshot before run = %+v", snap)
	}
	if snap.Protocol != "test" {
		t.Errorf("Protocol = %q, want %q", snap.Protocol, "test")
	}
}

func TestRunSyntheticStream(t *testing.T) {
	t.Parallel()

	data := synthStream(t, 3)
	p, relay, files := newTestPipeline()
	viewer := distribution.NewChanViewer("v", 1024)
	relay.AddViewer(viewer)

	if err := p.Run(context.Background(), bytes.NewReader(data)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, path := range []string{"/app/sub/page/index.html", "/app/sub/page/main.js", "/app/sub/page/style.css"} {
		if _, ok := files.Lookup(path); !ok {
			t.Errorf("Lookup(%q) missing after run", path)
		}
	}
	snap := p.Snapshot()
	if snap.BytesIn != int64(len(data)) {
		t.Errorf("BytesIn = %d, want %d", snap.BytesIn, len(data))
	}
	if snap.Paths != 3 || snap.Files != 3 {
		t.Errorf("Paths = %d, Files = %d, want 3 and 3", snap.Paths, snap.Files)
	}
	if snap.Demux.Captions != 3 {
		t.Errorf("Demux.Captions = %d, want 3", snap.Demux.Captions)
	}
	if len(viewer.C()) == 0 {
		t.Error("viewer received no presentation messages")
	}
}

func TestResetDiscardsState(t *testing.T) {
	t.Parallel()

	p, relay, files := newTestPipeline()
	if err := p.Run(context.Background(), bytes.NewReader(synthStream(t, 2))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.Reset()

	if paths, n := files.Len(); paths != 0 || n != 0 {
		t.Errorf("files after Reset = %d paths, %d bodies, want none", paths, n)
	}
	late := distribution.NewChanViewer("late", 16)
	relay.AddViewer(late)
	if len(late.C()) != 0 {
		t.Errorf("late viewer got %d replayed messages after Reset, want 0", len(late.C()))
	}
	snap := p.Snapshot()
	if snap.Restarts != 1 || snap.Demux.Events != 0 {
		t.Errorf("Restarts = %d, Demux.Events = %d, want 1 and 0", snap.Restarts, snap.Demux.Events)
	}
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPipeline()
	if err := p.Run(context.Background(), strings.NewReader("")); err != nil {
		t.Fatalf("Run on empty input: %v", err)
	}
}

type failingDecoder struct{ err error }

func (d failingDecoder) Push([]byte) error { return d.err }

func TestRunDecoderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("corrupt")
	p, _, _ := newTestPipeline(WithDecoder(func(mmt.Handler) mmt.Decoder { return failingDecoder{boom} }))
	err := p.Run(context.Background(), strings.NewReader("x"))
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
}

// slicePuller serves data from an offset in small writes.
type slicePuller struct {
	data  []byte
	block bool
}

func (s *slicePuller) Run(ctx context.Context, start int64, w io.Writer) (int64, error) {
	off := start
	for off < int64(len(s.data)) {
		if err := ctx.Err(); err != nil {
			return off, err
		}
		end := min(off+4096, int64(len(s.data)))
		if _, err := w.Write(s.data[off:end]); err != nil {
			return off, err
		}
		off = end
	}
	if s.block {
		<-ctx.Done()
		return off, ctx.Err()
	}
	return off, nil
}

func TestRunPull(t *testing.T) {
	t.Parallel()

	data := synthStream(t, 2)
	p, _, files := newTestPipeline()

	reached, err := p.RunPull(context.Background(), &slicePuller{data: data}, 0)
	if err != nil {
		t.Fatalf("RunPull: %v", err)
	}
	if reached != int64(len(data)) {
		t.Errorf("reached = %d, want %d", reached, len(data))
	}
	if _, ok := files.Lookup("/app/sub/page/index.html"); !ok {
		t.Error("index.html missing after pull")
	}
}

func TestRunPullCancelled(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPipeline()
	puller := &slicePuller{data: synthStream(t, 1), block: true}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.RunPull(ctx, puller, 0)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunPull error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunPull did not return after cancel")
	}
}

func TestRunPullDecoderErrorStopsPuller(t *testing.T) {
	t.Parallel()

	boom := errors.New("corrupt")
	p, _, _ := newTestPipeline(WithDecoder(func(mmt.Handler) mmt.Decoder { return failingDecoder{boom} }))
	_, err := p.RunPull(context.Background(), &slicePuller{data: make([]byte, 1<<20), block: true}, 0)
	if err == nil {
		t.Fatal("RunPull returned nil with a failing decoder")
	}
}
