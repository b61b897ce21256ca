package core

import "testing"

func TestSource_IsLocal(t *testing.T) {
	cases := []struct {
		name string
		src  Source
		want bool
	}{
		{"file url", Source{Kind: SourceURL, URL: "file:///tmp/a.jpg"}, true},
		{"data url", Source{Kind: SourceURL, URL: "data:image/jpeg;base64,AAAA"}, true},
		{"async data", Source{Kind: SourceAsyncData, Identifier: "x"}, false},
		{"http url", Source{Kind: SourceURL, URL: "https://example.com/a.jpg"}, false},
		{"url request", Source{Kind: SourceURLRequest, URLRequest: &URLRequest{URL: "https://example.com/a.jpg"}}, false},
		{"local url request", Source{Kind: SourceURLRequest, URLRequest: &URLRequest{URL: "file:///tmp/a.jpg"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.src.IsLocal(); got != tc.want {
				t.Errorf("IsLocal() = %v, want %v", got, tc.want)
			}
		})
	}
}
