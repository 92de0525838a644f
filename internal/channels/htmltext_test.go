package channels

import "testing"

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "paragraphs",
			html: "<html><body><p>Hello   there</p><p>Second line</p></body></html>",
			want: "Hello there\n\nSecond line",
		},
		{
			name: "drops style and script",
			html: "<html><head><style>p{color:red}</style></head><body><script>x()</script><div>Visible</div></body></html>",
			want: "Visible",
		},
		{
			name: "link target kept",
			html: `<p>See <a href="https://example.com/x">the page</a></p>`,
			want: "See the page (https://example.com/x)",
		},
		{
			name: "line breaks",
			html: "one<br>two",
			want: "one\ntwo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlToText(tt.html); got != tt.want {
				t.Errorf("htmlToText() = %q, want %q", got, tt.want)
			}
		})
	}
}
