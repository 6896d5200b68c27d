package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/duynguyendang/ssdtprof/internal/manager"
	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/ssdt"
)

func main() {
	const rounds = 10000

	bundle, err := ssdt.Default()
	if err != nil {
		log.Fatal(err)
	}
	resolver := bundle.NewResolver(diag.Discard{})

	fps := []facts.Fingerprint{
		facts.Windows(facts.Model32, 5, 1, 2600),
		facts.Windows(facts.Model32, 5, 2, 3789),
		facts.Windows(facts.Model64, 6, 0, 6002),
		facts.Windows(facts.Model64, 6, 1, 7601),
	}
	sets := make([]facts.Set, len(fps))
	for i, fp := range fps {
		if sets[i], err = fp.Facts(); err != nil {
			log.Fatal(err)
		}
	}

	// 1. Uncached resolution
	start := time.Now()
	for i := 0; i < rounds; i++ {
		if _, err := resolver.Resolve(sets[i%len(sets)]); err != nil {
			log.Fatal(err)
		}
	}
	d := time.Since(start)
	fmt.Printf("Direct resolution: %d in %v (%v/op)\n", rounds, d, d/rounds)

	// 2. Through the profile cache
	mgr, err := manager.NewProfileManager(resolver)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	start = time.Now()
	for i := 0; i < rounds; i++ {
		if _, err := mgr.Get(ctx, sets[i%len(sets)]); err != nil {
			log.Fatal(err)
		}
	}
	d = time.Since(start)
	fmt.Printf("Cached resolution: %d in %v (%v/op), %d profiles cached\n", rounds, d, d/rounds, mgr.Len())
}
