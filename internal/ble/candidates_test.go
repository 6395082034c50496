package ble

import (
	"sync"
	"testing"
)

func TestCandidatesAddReportsNewNodes(t *testing.T) {
	c := NewCandidates()

	if !c.Add(Device{MAC: "aa:bb:cc:dd:ee:01", RSSI: -70}) {
		t.Error("first Add() should report a new node")
	}
	if c.Add(Device{MAC: "AA:BB:CC:DD:EE:01", RSSI: -50}) {
		t.Error("Add() of a known node (different case) should report false")
	}
	if c.Add(Device{MAC: "", RSSI: -10}) {
		t.Error("Add() without an address should be ignored")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	ranked := c.Ranked()
	if ranked[0].RSSI != -50 {
		t.Errorf("RSSI = %d, want refreshed -50", ranked[0].RSSI)
	}
}

func TestCandidatesRankedBySignal(t *testing.T) {
	c := NewCandidates()
	c.Add(Device{MAC: macA, RSSI: -80})
	c.Add(Device{MAC: macB, RSSI: -40})
	c.Add(Device{MAC: macC, RSSI: -60})

	ranked := c.Ranked()
	want := []string{macB, macC, macA}
	for i, mac := range want {
		if ranked[i].MAC != mac {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].MAC, mac)
		}
	}
}

func TestCandidatesRankedTiesKeepDiscoveryOrder(t *testing.T) {
	c := NewCandidates()
	c.Add(Device{MAC: macC, RSSI: -60})
	c.Add(Device{MAC: macA, RSSI: -60})
	c.Add(Device{MAC: macB, RSSI: -60})

	ranked := c.Ranked()
	want := []string{macC, macA, macB}
	for i, mac := range want {
		if ranked[i].MAC != mac {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].MAC, mac)
		}
	}
}

func TestCandidatesRankedIsSnapshot(t *testing.T) {
	c := NewCandidates()
	c.Add(Device{MAC: macA, RSSI: -60})

	ranked := c.Ranked()
	ranked[0].RSSI = 0
	if got := c.Ranked()[0].RSSI; got != -60 {
		t.Errorf("mutating a snapshot changed the set: RSSI = %d", got)
	}
}

func TestCandidatesConcurrentAdd(t *testing.T) {
	c := NewCandidates()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Add(Device{MAC: macA, RSSI: -i})
			_ = c.Ranked()
		}(i)
	}
	wg.Wait()
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}
