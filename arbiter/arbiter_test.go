package arbiter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/opd-ai/onetoone/peer"
)

func TestDecide(t *testing.T) {
	testCases := []struct {
		name   string
		local  peer.ID
		remote peer.ID
		want   Role
	}{
		{"lower invites", "alpha", "bravo", Inviter},
		{"higher waits", "bravo", "alpha", Waiter},
		{"prefix is lower", "dev", "device", Inviter},
		{"byte order not length", "b", "aa", Waiter},
		{"self never invites", "same", "same", Waiter},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.local, tc.remote); got != tc.want {
				t.Errorf("Decide(%q, %q) = %v, want %v", tc.local, tc.remote, got, tc.want)
			}
		})
	}
}

func TestExactlyOneSideInvites(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		a := peer.ID(fmt.Sprintf("%x", rng.Int63()))
		b := peer.ID(fmt.Sprintf("%x", rng.Int63()))
		if a == b {
			continue
		}

		ab := ShouldInvite(a, b)
		ba := ShouldInvite(b, a)
		if ab == ba {
			t.Fatalf("ShouldInvite(%q, %q) = %v and ShouldInvite(%q, %q) = %v", a, b, ab, b, a, ba)
		}
		// Evaluating again must not change the answer.
		if ShouldInvite(a, b) != ab {
			t.Fatalf("ShouldInvite(%q, %q) is not deterministic", a, b)
		}
	}
}

func TestRoleString(t *testing.T) {
	if Inviter.String() != "inviter" || Waiter.String() != "waiter" {
		t.Errorf("unexpected labels %q %q", Inviter, Waiter)
	}
}
