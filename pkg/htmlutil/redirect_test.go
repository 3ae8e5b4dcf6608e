package htmlutil

import "testing"

func TestRedirect(t *testing.T) {
	const base = "https://example.io/"
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			name: "meta refresh",
			page: `<html><head><meta http-equiv="refresh" content="0; url=https://app.example.io/" /></head></html>`,
			want: "https://app.example.io/",
		},
		{
			name: "meta refresh reversed attributes, relative",
			page: `<meta content="5;URL=/home" http-equiv="refresh">`,
			want: "https://example.io/home",
		},
		{
			name: "window.location.href",
			page: `<script>window.location.href = "https://example.org/path";</script>`,
			want: "https://example.org/path",
		},
		{
			name: "location.replace",
			page: `<script>location.replace("https://replaced.example/");</script>`,
			want: "https://replaced.example/",
		},
		{
			name: "no redirect",
			page: `<html><head><title>Example</title></head><body>Hello</body></html>`,
		},
		{
			name: "fragment only",
			page: `<script>location.href = "#section";</script>`,
		},
		{
			name: "self reference",
			page: `<script>location.href = "https://example.io";</script>`,
		},
		{
			name: "non http scheme",
			page: `<script>window.location = "javascript:void(0)";</script>`,
		},
		{
			name: "meta refresh wins over script",
			page: `<meta http-equiv="refresh" content="0; url=https://meta.example"><script>window.location = "https://js.example";</script>`,
			want: "https://meta.example",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redirect(tt.page, base); got != tt.want {
				t.Errorf("Redirect() = %q, want %q", got, tt.want)
			}
		})
	}
}
