// Copyright 2026 aptguard

package rebuilder

import "testing"

const communityFixture = `# Rebuilderd Community Rebuilders

this is
` + "`some text`" + `

` + "```toml" + `
[[rebuilder]]
name = "Rebuilder One"
url = "https://one.example.com"
distributions = ["archlinux"]
country = "DEU"
contact = "Hello!"

[[rebuilder]]
name = "Rebuilder Two"
url = "https://two.example.com"
distributions = ["archlinux", "debian"]
` + "```" + `
`

func TestParseCommunityList_ExtractsFencedTOML(t *testing.T) {
	got, err := parseCommunityList(communityFixture)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Name != "Rebuilder One" || got[0].URL != "https://one.example.com" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[0].Country != "DEU" || got[0].Contact != "Hello!" {
		t.Errorf("got[0] optional fields = %+v", got[0])
	}
	if got[1].Country != "" || got[1].Contact != "" {
		t.Errorf("got[1] should have empty optional fields, got %+v", got[1])
	}
}

func TestParseCommunityList_EmptyFence(t *testing.T) {
	got, err := parseCommunityList("```\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
}

func TestParseCommunityList_NoFence(t *testing.T) {
	if _, err := parseCommunityList("no code fence here"); err == nil {
		t.Error("expected error for missing fence")
	}
}
