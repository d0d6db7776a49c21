package main

import (
	"unsafe"

	"github.com/kolkov/modelcheck/check"
)

// selfCheck pairs a scenario with its location registry. Registries
// must not be shared between scenarios: ids are stable per check.
type selfCheck struct {
	scenario *check.Scenario
	registry *check.LocationRegistry
}

// selfCheckSuite builds the bundled scenarios. Each is a small
// structure with a known bug class the checker is expected to find.
func selfCheckSuite() map[string]selfCheck {
	return map[string]selfCheck{
		"lost-update": lostUpdate(),
		"deadlock":    lockInversion(),
	}
}

type counter struct{ v int }

func (c *counter) id() uintptr { return uintptr(unsafe.Pointer(c)) }

// lostUpdate is the unsynchronised read-modify-write counter: two
// concurrent inc() calls may both observe the same value.
func lostUpdate() selfCheck {
	reg := check.NewRegistry()
	clR := check.RegisterLocation(reg, check.KindRead, "counter.get", "counter.go", 12)
	clW := check.RegisterLocation(reg, check.KindWrite, "counter.set", "counter.go", 13)

	inc := check.Actor{Name: "inc()", Op: func(e *check.Env) any {
		c := e.State().(*counter)
		e.BeforeRead(clR, c.id())
		v := c.v
		e.AfterRead(v)
		e.BeforeWrite(clW, c.id(), 0)
		c.v = v + 1
		return c.v
	}}

	return selfCheck{
		registry: reg,
		scenario: &check.Scenario{
			Workers: [][]check.Actor{{inc}, {inc}},
			Init:    func() any { return &counter{} },
			Verify: func(results [][]any) bool {
				a, b := results[0][0], results[1][0]
				return (a == 1 && b == 2) || (a == 2 && b == 1)
			},
		},
	}
}

type lockPair struct{ a, b int }

// lockInversion is the classic two-lock ordering bug: one worker takes
// a then b, the other b then a.
func lockInversion() selfCheck {
	reg := check.NewRegistry()
	clLA := check.RegisterLocation(reg, check.KindMonitorEnter, "a.lock", "locks.go", 7)
	clLB := check.RegisterLocation(reg, check.KindMonitorEnter, "b.lock", "locks.go", 8)
	clUA := check.RegisterLocation(reg, check.KindMonitorExit, "a.unlock", "locks.go", 9)
	clUB := check.RegisterLocation(reg, check.KindMonitorExit, "b.unlock", "locks.go", 10)

	monA := func(p *lockPair) uintptr { return uintptr(unsafe.Pointer(&p.a)) }
	monB := func(p *lockPair) uintptr { return uintptr(unsafe.Pointer(&p.b)) }

	forward := check.Actor{Name: "transfer(a,b)", Blocking: true, Op: func(e *check.Env) any {
		p := e.State().(*lockPair)
		e.Lock(clLA, monA(p))
		e.Lock(clLB, monB(p))
		e.Unlock(clUB, monB(p))
		e.Unlock(clUA, monA(p))
		return "ok"
	}}
	backward := check.Actor{Name: "transfer(b,a)", Blocking: true, Op: func(e *check.Env) any {
		p := e.State().(*lockPair)
		e.Lock(clLB, monB(p))
		e.Lock(clLA, monA(p))
		e.Unlock(clUA, monA(p))
		e.Unlock(clUB, monB(p))
		return "ok"
	}}

	return selfCheck{
		registry: reg,
		scenario: &check.Scenario{
			Workers: [][]check.Actor{{forward}, {backward}},
			Init:    func() any { return &lockPair{} },
		},
	}
}
