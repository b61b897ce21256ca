package task

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/imgpipe/imgpipe/adapters/cache"
	"github.com/imgpipe/imgpipe/adapters/decoder"
	"github.com/imgpipe/imgpipe/adapters/encoder"
	cachefacade "github.com/imgpipe/imgpipe/cache"
	"github.com/imgpipe/imgpipe/coordinator"
	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/decode"
	apperrors "github.com/imgpipe/imgpipe/errors"
	"github.com/imgpipe/imgpipe/process"
	"github.com/imgpipe/imgpipe/queue"
)

func solidJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 1, G: 2, B: 3, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

type asyncLoader struct{}

func (asyncLoader) Load(ctx context.Context, src core.Source, _ *core.ResumeToken, onProgress core.ProgressFunc) (core.OriginalData, error) {
	var buf []byte
	err := src.Produce(ctx, func(chunk []byte) error {
		buf = append(buf, chunk...)
		if onProgress != nil {
			onProgress(core.ProgressSnapshot{Completed: int64(len(buf))})
		}
		return nil
	})
	if err != nil {
		return core.OriginalData{}, err
	}
	return core.OriginalData{Data: buf}, nil
}

func asyncSource(id string, raw []byte) core.Source {
	return core.Source{
		Kind:       core.SourceAsyncData,
		Identifier: id,
		Produce: func(ctx context.Context, send func([]byte) error) error {
			return send(raw)
		},
	}
}

// blockingLoader never returns until its context is cancelled, so a
// task built against it is guaranteed to still be in flight when
// Cancel is called.
type blockingLoader struct{}

func (blockingLoader) Load(ctx context.Context, _ core.Source, _ *core.ResumeToken, _ core.ProgressFunc) (core.OriginalData, error) {
	<-ctx.Done()
	return core.OriginalData{}, ctx.Err()
}

func newBlockingTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	reg := decode.NewRegistry()
	reg.RegisterDecoder("jpeg", decoder.NewJPEG())
	reg.RegisterEncoder("jpeg", encoder.NewJPEG(85))

	c := cachefacade.New(cache.NewMemory(64), nil, cachefacade.PolicyAutomatic)

	dataQ := queue.New(2)
	decodingQ := queue.New(2)
	processQ := queue.New(2)
	dataQ.Start()
	decodingQ.Start()
	processQ.Start()

	co := coordinator.New(coordinator.Deps{
		Registry:        reg,
		Cache:           c,
		Loader:          blockingLoader{},
		DataQueue:       dataQ,
		DecodingQueue:   decodingQ,
		ProcessingQueue: processQ,
		RetryPolicy:     process.RetryPolicy{},
	})

	t.Cleanup(func() {
		co.Close()
		dataQ.Stop()
		decodingQ.Stop()
		processQ.Stop()
	})

	return Wrap(co)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	reg := decode.NewRegistry()
	reg.RegisterDecoder("jpeg", decoder.NewJPEG())
	reg.RegisterEncoder("jpeg", encoder.NewJPEG(85))

	c := cachefacade.New(cache.NewMemory(64), nil, cachefacade.PolicyAutomatic)

	dataQ := queue.New(2)
	decodingQ := queue.New(2)
	processQ := queue.New(2)
	dataQ.Start()
	decodingQ.Start()
	processQ.Start()

	co := coordinator.New(coordinator.Deps{
		Registry:        reg,
		Cache:           c,
		Loader:          asyncLoader{},
		DataQueue:       dataQ,
		DecodingQueue:   decodingQ,
		ProcessingQueue: processQ,
		RetryPolicy:     process.RetryPolicy{},
	})

	t.Cleanup(func() {
		co.Close()
		dataQ.Stop()
		decodingQ.Stop()
		processQ.Stop()
	})

	return Wrap(co)
}

func TestFanout_NeverDropsUnderBackpressure(t *testing.T) {
	var f fanout[int]
	ch := f.register()

	const n = 500
	go func() {
		for i := 0; i < n; i++ {
			f.send(i)
		}
		f.closeAll()
	}()

	got := make([]int, 0, n)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				if len(got) != n {
					t.Fatalf("received %d values, want %d (some were dropped)", len(got), n)
				}
				for i, v := range got {
					if v != i {
						t.Fatalf("got[%d] = %d, want %d (out of order)", i, v, i)
					}
				}
				return
			}
			got = append(got, v)
		case <-deadline:
			t.Fatalf("timed out after receiving %d/%d values", len(got), n)
		}
	}
}

func TestImageTask_PreviewsNeverDroppedUnderSlowReader(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 800, 600)

	task := NewImageTask(co, core.Request{Source: asyncSource("previews-backpressure", raw)})
	previews := task.Previews()

	// Let previews pile up behind a reader that hasn't started yet, then
	// drain: the mailbox must hold every preview it received rather than
	// drop the ones that arrived while nobody was reading.
	time.Sleep(50 * time.Millisecond)

	resp, err := task.Response(context.Background())
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	_ = resp

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-previews:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the previews channel to eventually close")
		}
	}
}

func TestImageTask_IDIsPopulated(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 10, 10)
	task := NewImageTask(co, core.Request{Source: asyncSource("a", raw)})
	if task.ID == "" {
		t.Error("expected a non-empty task ID")
	}
	task.Response(context.Background())
}

func TestImageTask_ResponseReturnsDecodedContainer(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 30, 20)

	task := NewImageTask(co, core.Request{Source: asyncSource("b", raw)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := task.Response(ctx)
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	b := resp.Container.Image.(image.Image).Bounds()
	if b.Dx() != 30 || b.Dy() != 20 {
		t.Errorf("bounds = %v, want 30x20", b)
	}
}

func TestImageTask_Image(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 12, 12)

	task := NewImageTask(co, core.Request{Source: asyncSource("c", raw)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	container, err := task.Image(ctx)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if container == nil {
		t.Fatal("expected a non-nil container")
	}
}

func TestImageTask_ResponseRespectsContextTimeout(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 12, 12)

	task := NewImageTask(co, core.Request{Source: asyncSource("d", raw)})
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	if _, err := task.Response(ctx); err == nil {
		t.Error("expected Response to fail on an already-expired context")
	}
	// drain the real completion so the background goroutine doesn't leak
	// past the test.
	task.Response(context.Background())
}

func TestImageTask_ProgressChannelClosesOnCompletion(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 12, 12)

	task := NewImageTask(co, core.Request{Source: asyncSource("e", raw)})
	progress := task.Progress()

	task.Response(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-progress:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the progress channel to close once the task completed")
		}
	}
}

func TestImageTask_Done(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)

	task := NewImageTask(co, core.Request{Source: asyncSource("f", raw)})
	task.Response(context.Background())

	select {
	case <-task.Done():
	default:
		t.Error("expected Done() to be closed after Response returned")
	}
}

func TestImageTask_SetPriorityDoesNotPanic(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)

	task := NewImageTask(co, core.Request{Source: asyncSource("g", raw)})
	task.SetPriority(core.PriorityVeryHigh)
	task.Response(context.Background())
}

func TestImageTask_Cancel(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)

	task := NewImageTask(co, core.Request{Source: asyncSource("h", raw)})
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-task.Done():
	case <-ctx.Done():
		t.Fatal("expected a cancelled task to reach a terminal state")
	}
}

func TestDataTask_DataReturnsRawBytes(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)

	task := NewDataTask(co, core.Request{Source: asyncSource("i", raw)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := task.Data(ctx)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(result.Data) != len(raw) {
		t.Errorf("got %d bytes, want %d", len(result.Data), len(raw))
	}
}

func TestDataTask_IDIsPopulated(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)
	task := NewDataTask(co, core.Request{Source: asyncSource("j", raw)})
	if task.ID == "" {
		t.Error("expected a non-empty task ID")
	}
	task.Data(context.Background())
}

func TestDataTask_CancelReachesTerminal(t *testing.T) {
	co := newTestCoordinator(t)
	raw := solidJPEG(t, 8, 8)

	task := NewDataTask(co, core.Request{Source: asyncSource("k", raw)})
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-task.Done():
	case <-ctx.Done():
		t.Fatal("expected a cancelled task to reach a terminal state")
	}
}

func TestDataTask_Cancel_ErrorIsKindCancelled(t *testing.T) {
	co := newBlockingTestCoordinator(t)

	task := NewDataTask(co, core.Request{Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/blocked.jpg"}})
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := task.Data(ctx)
	if !apperrors.IsKind(err, apperrors.KindCancelled) {
		t.Errorf("Data() error = %v, want KindCancelled", err)
	}
}

func TestImageTask_Cancel_ErrorIsKindCancelled(t *testing.T) {
	co := newBlockingTestCoordinator(t)

	task := NewImageTask(co, core.Request{Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/blocked2.jpg"}})
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := task.Response(ctx)
	if !apperrors.IsKind(err, apperrors.KindCancelled) {
		t.Errorf("Response() error = %v, want KindCancelled", err)
	}
}
