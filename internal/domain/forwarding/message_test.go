package forwarding

import "testing"

func TestParseChatRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    ChatRef
		wantErr bool
	}{
		{"positive id", "123456789", ChatRef{ChatID: 123456789}, false},
		{"bot api channel id", "-1001234567890", ChatRef{ChatID: 1234567890}, false},
		{"negative group id", "-123456", ChatRef{ChatID: 123456}, false},
		{"at username", "@SomeChannel", ChatRef{Username: "somechannel"}, false},
		{"bare username", "some_channel", ChatRef{Username: "some_channel"}, false},
		{"t.me link", "t.me/SomeChannel", ChatRef{Username: "somechannel"}, false},
		{"https t.me link", "https://t.me/some_channel/", ChatRef{Username: "some_channel"}, false},
		{"telegram.me link", "telegram.me/abcd", ChatRef{Username: "abcd"}, false},
		{"surrounding spaces", "  @abcd  ", ChatRef{Username: "abcd"}, false},
		{"empty", "", ChatRef{}, true},
		{"too short username", "@ab", ChatRef{}, true},
		{"leading digit username", "@1abc", ChatRef{}, true},
		{"garbage", "not a chat!!!", ChatRef{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseChatRef(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseChatRef(%q) = %+v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChatRef(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("ParseChatRef(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}
