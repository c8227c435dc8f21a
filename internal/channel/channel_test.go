package channel

import "testing"

func TestVideosTabURL_AppendsVideosTab(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/@somehandle":          "https://www.youtube.com/@somehandle/videos",
		"https://www.youtube.com/channel/UCabc123/":    "https://www.youtube.com/channel/UCabc123/videos",
		"https://www.youtube.com/c/custom":             "https://www.youtube.com/c/custom/videos",
		"  https://www.youtube.com/@padded  ":          "https://www.youtube.com/@padded/videos",
		"https://www.youtube.com/@handle/videos":       "https://www.youtube.com/@handle/videos",
		"https://www.youtube.com/@handle/streams":      "https://www.youtube.com/@handle/streams",
		"https://www.youtube.com/channel/UCabc/shorts": "https://www.youtube.com/channel/UCabc/shorts",
	}
	for in, want := range cases {
		if got := videosTabURL(in); got != want {
			t.Errorf("videosTabURL(%q) = %q, want %q", in, got, want)
		}
	}
}
