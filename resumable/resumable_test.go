package resumable

import "testing"

func TestValidatorIsZero(t *testing.T) {
	tests := []struct {
		name string
		v    Validator
		want bool
	}{
		{"empty", Validator{}, true},
		{"etag set", Validator{ETag: `"abc"`}, false},
		{"last-modified set", Validator{LastModified: "Mon, 01 Jan 2024 00:00:00 GMT"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.IsZero(); got != tc.want {
				t.Errorf("IsZero() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStore_GetSaveClear(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("missing"); ok {
		t.Error("expected Get on an empty store to report not-found")
	}

	p := Partial{Validator: Validator{ETag: `"v1"`}, Bytes: []byte("hello")}
	s.Save("key1", p)

	got, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected Get to find the saved partial")
	}
	if string(got.Bytes) != "hello" || got.Validator.ETag != `"v1"` {
		t.Errorf("Get() = %+v", got)
	}

	s.Clear("key1")
	if _, ok := s.Get("key1"); ok {
		t.Error("expected Get after Clear to report not-found")
	}
}

func TestStore_ClearMissingIsNoop(t *testing.T) {
	s := NewStore()
	s.Clear("never-saved")
}

func TestRangeHeaders_NoValidator(t *testing.T) {
	p := Partial{Bytes: make([]byte, 1024)}
	h := RangeHeaders(p)
	if h["Range"] != "bytes=1024-" {
		t.Errorf("Range header = %q", h["Range"])
	}
	if _, ok := h["If-Range"]; ok {
		t.Error("expected no If-Range header without a validator")
	}
}

func TestRangeHeaders_ETagPreferredOverLastModified(t *testing.T) {
	p := Partial{
		Bytes:     make([]byte, 10),
		Validator: Validator{ETag: `"etag1"`, LastModified: "some-date"},
	}
	h := RangeHeaders(p)
	if h["If-Range"] != `"etag1"` {
		t.Errorf("If-Range = %q, want the ETag", h["If-Range"])
	}
}

func TestRangeHeaders_FallsBackToLastModified(t *testing.T) {
	p := Partial{
		Bytes:     make([]byte, 5),
		Validator: Validator{LastModified: "some-date"},
	}
	h := RangeHeaders(p)
	if h["If-Range"] != "some-date" {
		t.Errorf("If-Range = %q, want LastModified", h["If-Range"])
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			key := "k"
			s.Save(key, Partial{Bytes: []byte{byte(i)}})
			s.Get(key)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
