package federation

import (
	"context"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/perlatus/fonoteca/internal/domain"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		name    string
		match   Match
		payload map[string]any
		want    bool
	}{
		{
			name:    "flat key",
			match:   Match{"type": "Follow"},
			payload: map[string]any{"type": "Follow", "actor": "x"},
			want:    true,
		},
		{
			name:    "flat key mismatch",
			match:   Match{"type": "Follow"},
			payload: map[string]any{"type": "Accept"},
			want:    false,
		},
		{
			name:  "dotted key",
			match: Match{"type": "Undo", "object.type": "Follow"},
			payload: map[string]any{
				"type":   "Undo",
				"object": map[string]any{"type": "Follow", "id": "x"},
			},
			want: true,
		},
		{
			name:    "dotted key against scalar",
			match:   Match{"object.type": "Follow"},
			payload: map[string]any{"object": "https://remote.example/f/1"},
			want:    false,
		},
		{
			name:    "missing key",
			match:   Match{"object.type": "Follow"},
			payload: map[string]any{"type": "Undo"},
			want:    false,
		},
		{
			name:    "empty match accepts anything",
			match:   Match{},
			payload: map[string]any{"type": "Whatever"},
			want:    true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.match.Matches(tc.payload); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInboxRouterFirstMatchWins(t *testing.T) {
	router := &InboxRouter{}
	var called []string

	router.Connect(Match{"type": "Undo", "object.type": "Follow"}, func(context.Context, *InboxContext) error {
		called = append(called, "undo-follow")
		return nil
	})
	router.Connect(Match{"type": "Undo"}, func(context.Context, *InboxContext) error {
		called = append(called, "undo")
		return nil
	})

	err := router.Dispatch(context.Background(), &InboxContext{Payload: map[string]any{
		"type":   "Undo",
		"object": map[string]any{"type": "Follow"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"undo-follow"}, called); diff != "" {
		t.Errorf("handlers called (-want +got):\n%s", diff)
	}
}

func TestInboxRouterUnhandled(t *testing.T) {
	router := &InboxRouter{}
	router.Connect(Match{"type": "Follow"}, func(context.Context, *InboxContext) error { return nil })

	err := router.Dispatch(context.Background(), &InboxContext{Payload: map[string]any{"type": "Like"}})
	if err != ErrUnhandled {
		t.Errorf("Dispatch() = %v, want ErrUnhandled", err)
	}
}

func actorWithInbox(t *testing.T, fid, host, inbox, shared string) domain.Actor {
	t.Helper()
	a := domain.Actor{Domain: host}
	var err error
	if a.Fid, err = url.Parse(fid); err != nil {
		t.Fatal(err)
	}
	if a.InboxUrl, err = url.Parse(inbox); err != nil {
		t.Fatal(err)
	}
	if shared != "" {
		if a.SharedInboxUrl, err = url.Parse(shared); err != nil {
			t.Fatal(err)
		}
	}
	return a
}

func TestGroupInboxes(t *testing.T) {
	shared := "https://remote.example/inbox"
	a := actorWithInbox(t, "https://remote.example/actors/a", "remote.example", "https://remote.example/actors/a/inbox", shared)
	b := actorWithInbox(t, "https://remote.example/actors/b", "remote.example", "https://remote.example/actors/b/inbox", shared)
	c := actorWithInbox(t, "https://other.example/actors/c", "other.example", "https://other.example/actors/c/inbox", "")

	t.Run("uniform shared inbox collapses", func(t *testing.T) {
		got := groupInboxes([]domain.Actor{a, b, c})
		want := []string{shared, "https://other.example/actors/c/inbox"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("inboxes (-want +got):\n%s", diff)
		}
	})

	t.Run("mixed shared inboxes fall back to individual", func(t *testing.T) {
		bOther := b
		other, _ := url.Parse("https://remote.example/other-inbox")
		bOther.SharedInboxUrl = other

		got := groupInboxes([]domain.Actor{a, bOther})
		want := []string{
			"https://remote.example/actors/a/inbox",
			"https://remote.example/actors/b/inbox",
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("inboxes (-want +got):\n%s", diff)
		}
	})

	t.Run("order independent", func(t *testing.T) {
		first := groupInboxes([]domain.Actor{a, b, c})
		second := groupInboxes([]domain.Actor{c, b, a})
		if len(first) != len(second) {
			t.Errorf("different inbox sets: %v vs %v", first, second)
		}
		members := map[string]bool{}
		for _, u := range first {
			members[u] = true
		}
		for _, u := range second {
			if !members[u] {
				t.Errorf("inbox %s only present in one ordering", u)
			}
		}
	})
}
