package tierbase

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSniffMediaKind(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	webm := []byte("\x1A\x45\xDF\xA3\x9f\x42\x86\x81\x01")

	tests := []struct {
		name string
		key  string
		mime string
		data []byte
		want MediaKind
	}{
		{"video key", "video_1", "", nil, MediaVideo},
		{"recording key", "session-recording-7", "", nil, MediaVideo},
		{"mp4 extension", "clips/intro.MP4", "", nil, MediaVideo},
		{"screenshot key", "screenshot_2", "", nil, MediaImage},
		{"png extension", "avatar.png", "", nil, MediaImage},
		{"json extension", "export.json", "", nil, MediaText},
		{"key beats mime", "video_2", "image/png", nil, MediaVideo},
		{"video mime", "blob", "video/webm; codecs=vp9", nil, MediaVideo},
		{"json mime", "blob", "application/json", nil, MediaText},
		{"sniffed png", "blob", "", png, MediaImage},
		{"sniffed webm", "blob", "", webm, MediaVideo},
		{"sniffed text", "blob", "", []byte("plain words"), MediaText},
		{"opaque bytes", "blob", "", []byte{0x00, 0x01, 0x02, 0x03}, MediaBinary},
		{"nothing to go on", "settings", "", nil, MediaUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffMediaKind(tt.key, tt.mime, tt.data); got != tt.want {
				t.Errorf("SniffMediaKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReductionProfiles(t *testing.T) {
	for _, name := range []string{"low", "medium", "high", "ultra"} {
		if _, ok := ReductionProfiles[name]; !ok {
			t.Errorf("missing profile %s", name)
		}
	}
	if ReductionProfiles["low"].MaxHeight >= ReductionProfiles["ultra"].MaxHeight {
		t.Error("low profile should cap resolution below ultra")
	}
	if ReductionProfiles["low"].CRF <= ReductionProfiles["ultra"].CRF {
		t.Error("low profile should use a higher CRF than ultra")
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := strings.Join(ffmpegArgs("in", "out.mp4", ReductionProfiles["medium"]), " ")

	for _, want := range []string{"-i in", "-crf 28", "-r 24", "min(720,ih)", "-maxrate 1500k"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, "out.mp4") {
		t.Errorf("output path should come last: %q", args)
	}
}

func TestFFmpegReducer_MissingBinary(t *testing.T) {
	r := NewFFmpegReducer("/nonexistent/ffmpeg-for-tests")
	if r.Available() {
		t.Fatal("reducer should not find a nonexistent binary")
	}
	if _, err := r.Reduce(context.Background(), []byte("video"), ReductionProfiles["low"]); err == nil {
		t.Error("expected an error running a missing binary")
	}
}

type fakeReducer struct {
	calls  int
	result func([]byte) ([]byte, error)
}

func (f *fakeReducer) Reduce(ctx context.Context, data []byte, profile ReductionProfile) ([]byte, error) {
	f.calls++
	return f.result(data)
}

func newTestMemo(t *testing.T) *ReductionMemo {
	t.Helper()
	memo, err := NewReductionMemo(context.Background(), time.Hour, 1)
	if err != nil {
		t.Fatalf("NewReductionMemo failed: %v", err)
	}
	t.Cleanup(func() { memo.Close() })
	return memo
}

func TestMediaStage(t *testing.T) {
	original := bytes.Repeat([]byte("frame"), 100)

	tests := []struct {
		name     string
		result   func([]byte) ([]byte, error)
		wantSize int
		memoized bool
	}{
		{"shrinks", func(b []byte) ([]byte, error) { return b[:100], nil }, 100, false},
		{"grows", func(b []byte) ([]byte, error) { return append(b, b...), nil }, len(original), true},
		{"same size", func(b []byte) ([]byte, error) { return b, nil }, len(original), true},
		{"fails", func(b []byte) ([]byte, error) { return nil, errors.New("codec missing") }, len(original), true},
		{"canceled", func(b []byte) ([]byte, error) { return nil, context.Canceled }, len(original), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reducer := &fakeReducer{result: tt.result}
			metrics := NewInMemoryMetrics()
			stage := &mediaStage{
				enabled: true,
				reducer: reducer,
				profile: ReductionProfiles["medium"],
				memo:    newTestMemo(t),
				logger:  &NoOpLogger{},
				metrics: metrics,
			}

			got := stage.apply(context.Background(), "video_1", original)
			if len(got) != tt.wantSize {
				t.Errorf("size = %d, want %d", len(got), tt.wantSize)
			}

			// A second store of the same bytes must not run the transform again once memoized
			stage.apply(context.Background(), "video_1", original)
			wantCalls := 2
			if tt.memoized {
				wantCalls = 1
				if metrics.Counter(MetricMediaSkipped) < 2 {
					t.Errorf("expected skip metrics, got %d", metrics.Counter(MetricMediaSkipped))
				}
			}
			if reducer.calls != wantCalls {
				t.Errorf("reducer calls = %d, want %d", reducer.calls, wantCalls)
			}
		})
	}
}

func TestMediaStage_Disabled(t *testing.T) {
	reducer := &fakeReducer{result: func(b []byte) ([]byte, error) { return b[:1], nil }}
	stage := &mediaStage{enabled: false, reducer: reducer}

	if got := stage.apply(context.Background(), "video_1", []byte("data")); string(got) != "data" {
		t.Errorf("disabled stage changed data: %q", got)
	}
	if reducer.calls != 0 {
		t.Error("disabled stage should not call the reducer")
	}

	var nilStage *mediaStage
	if got := nilStage.apply(context.Background(), "video_1", []byte("data")); string(got) != "data" {
		t.Errorf("nil stage changed data: %q", got)
	}
}

func TestReductionMemo(t *testing.T) {
	memo := newTestMemo(t)

	a := []byte("payload-a")
	if memo.Seen(a, "low") {
		t.Fatal("fresh memo should not have seen anything")
	}
	memo.Remember(a, "low")
	if !memo.Seen(a, "low") {
		t.Error("remembered payload not seen")
	}
	if memo.Seen(a, "high") {
		t.Error("memo entries are per profile")
	}
	if memo.Seen([]byte("payload-b"), "low") {
		t.Error("different payload reported as seen")
	}
	if memo.Len() != 1 {
		t.Errorf("Len = %d, want 1", memo.Len())
	}
}
