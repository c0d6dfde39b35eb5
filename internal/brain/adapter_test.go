package brain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAdapterAutoWithoutURLUsesMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("NewAdapter() = %T, want *MockAdapter", a)
	}

	resp, err := a.StreamResponse(context.Background(), Request{InputText: "hello"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "I heard you: hello" {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestNewAdapterAutoWithURLWrapsFallback(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto", HTTPURL: "http://127.0.0.1:1/brain"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	fb, ok := a.(*FallbackAdapter)
	if !ok {
		t.Fatalf("NewAdapter() = %T, want *FallbackAdapter", a)
	}
	if _, ok := fb.Primary().(*HTTPAdapter); !ok {
		t.Fatalf("primary = %T, want *HTTPAdapter", fb.Primary())
	}
}

func TestNewAdapterRejectsBadConfig(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewAdapter(http without url) expected error")
	}
	if _, err := NewAdapter(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("NewAdapter(unknown mode) expected error")
	}
}

func TestMockAdapterStreamsWords(t *testing.T) {
	var deltas []string
	resp, err := NewMockAdapter().StreamResponse(context.Background(), Request{InputText: "good morning"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(deltas) != 5 {
		t.Fatalf("deltas = %q, want 5 words", deltas)
	}
	if strings.Join(deltas, "") != resp.Text {
		t.Fatalf("joined deltas %q != text %q", strings.Join(deltas, ""), resp.Text)
	}
}

func TestMockAdapterHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockAdapter().StreamResponse(ctx, Request{InputText: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	resp, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackAdapterSkipsFallbackAfterPartialStream(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(partialAdapter{}, fb)
	var got []string
	_, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err == nil {
		t.Fatalf("StreamResponse() expected error after partial stream")
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
	if len(got) != 1 {
		t.Fatalf("deltas = %q, want the single partial delta", got)
	}
}

type errAdapter struct{}

func (errAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, errors.New("boom")
}

type okAdapter struct {
	text string
}

func (a okAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{Text: a.text}, nil
}

type cancelAdapter struct{}

func (cancelAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, context.Canceled
}

type partialAdapter struct{}

func (partialAdapter) StreamResponse(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	if err := onDelta("half "); err != nil {
		return Response{}, err
	}
	return Response{}, errors.New("connection reset")
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	a.calls++
	return Response{Text: a.text}, nil
}
