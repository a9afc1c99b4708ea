package conflict

import "testing"

func TestResolve(t *testing.T) {
	cases := []struct {
		name                           string
		localVer, localAt              int64
		remoteVer, remoteAt            int64
		want                           Winner
	}{
		{"local higher version", 3, 100, 2, 999, LocalWins},
		{"remote higher version", 2, 999, 3, 100, RemoteWins},
		{"equal version local newer", 2, 200, 2, 100, LocalWins},
		{"equal version remote newer", 2, 100, 2, 200, RemoteWins},
		{"full tie goes remote", 2, 100, 2, 100, RemoteWins},
		{"fresh local vs unseen remote", 1, 50, 5, 10, RemoteWins},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.localVer, tc.localAt, tc.remoteVer, tc.remoteAt)
			if got != tc.want {
				t.Errorf("Resolve(%d,%d,%d,%d) = %v, want %v",
					tc.localVer, tc.localAt, tc.remoteVer, tc.remoteAt, got, tc.want)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if got := Resolve(4, 123, 4, 456); got != RemoteWins {
			t.Fatalf("run %d: Resolve returned %v, want RemoteWins", i, got)
		}
	}
}

func TestShouldApplyRemote(t *testing.T) {
	cases := []struct {
		local, remote int64
		want          bool
	}{
		{1, 2, true},
		{2, 2, true},
		{3, 2, false},
	}
	for _, tc := range cases {
		if got := ShouldApplyRemote(tc.local, tc.remote); got != tc.want {
			t.Errorf("ShouldApplyRemote(%d, %d) = %v, want %v", tc.local, tc.remote, got, tc.want)
		}
	}
}
