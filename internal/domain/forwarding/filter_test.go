package forwarding

import "testing"

func TestDecide(t *testing.T) {
	t.Parallel()

	photo := Message{ID: 1, Kind: KindPhoto, Text: "caption"}
	photoNoCaption := Message{ID: 2, Kind: KindPhoto}
	pdf := Message{ID: 3, Kind: KindDocument, MIME: "application/pdf", Ext: "pdf", Text: "doc"}
	video := Message{ID: 4, Kind: KindDocument, MIME: "video/mp4", Ext: "mp4"}
	voice := Message{ID: 5, Kind: KindDocument, MIME: "audio/ogg", Ext: "ogg"}
	plain := Message{ID: 6, Kind: KindDocument, MIME: "text/plain", Ext: "txt"}
	text := Message{ID: 7, Kind: KindText, Text: "hello"}

	tests := []struct {
		name    string
		msg     Message
		allowed []string
		want    Action
	}{
		{"empty policy forwards media", photo, nil, ActionSendMedia},
		{"empty policy forwards text", text, nil, ActionSendText},
		{"service message dropped", Message{ID: 8, Kind: KindEmpty}, nil, ActionDrop},
		{"blank text dropped", Message{ID: 9, Kind: KindText, Text: "  "}, nil, ActionDrop},

		{"all_media passes text", text, []string{ClassAllMedia}, ActionSendText},
		{"media-only policy drops text", text, []string{ClassImages}, ActionDrop},
		{"ext-only policy drops text", text, []string{"pdf"}, ActionDrop},

		{"all_media passes photo", photo, []string{ClassAllMedia}, ActionSendMedia},
		{"images passes photo", photo, []string{ClassImages}, ActionSendMedia},
		{"images rejects video", video, []string{ClassImages}, ActionDrop},
		{"videos passes mp4 mime", video, []string{ClassVideos}, ActionSendMedia},
		{"audio passes voice", voice, []string{ClassAudio}, ActionSendMedia},
		{"documents passes pdf", pdf, []string{ClassDocuments}, ActionSendMedia},
		{"documents passes txt ext", plain, []string{ClassDocuments}, ActionSendMedia},
		{"documents rejects video document", video, []string{ClassDocuments}, ActionDrop},
		{"documents rejects voice document", voice, []string{ClassDocuments}, ActionDrop},

		{"literal ext passes pdf", pdf, []string{"pdf"}, ActionSendMedia},
		{"literal ext rejects others", video, []string{"pdf"}, ActionDrop},
		{"photo matches image ext", photo, []string{"jpg"}, ActionSendMedia},
		{"photo rejects non-image ext", photo, []string{"zip"}, ActionDrop},

		{"text_only passes text", text, []string{ClassTextOnly}, ActionSendText},
		{"text_only drops captioned media", photo, []string{ClassTextOnly}, ActionDrop},
		{"text_only drops bare media", photoNoCaption, []string{ClassTextOnly}, ActionDrop},
		{"text_only with class keeps media", photo, []string{ClassTextOnly, ClassImages}, ActionSendMedia},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Decide(tc.msg, Policy{Allowed: tc.allowed})
			if got != tc.want {
				t.Errorf("Decide(%+v, %v) = %v, want %v", tc.msg, tc.allowed, got, tc.want)
			}
		})
	}
}
