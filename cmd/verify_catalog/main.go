package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/ssdt"
)

// Sweeps every known Windows version and a spread of builds through the
// catalog and fails if any fingerprint is ambiguous, cyclic or unstable.
func main() {
	overlay := flag.String("overlay", "", "extra catalog/registry YAML to verify together with the built-in data")
	flag.Parse()

	var overlays []*ssdt.Overlay
	if *overlay != "" {
		f, err := os.Open(*overlay)
		if err != nil {
			log.Fatal(err)
		}
		o, err := ssdt.LoadOverlay(f)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}
		overlays = append(overlays, o)
	}

	bundle, err := ssdt.Build(overlays...)
	if err != nil {
		log.Fatalf("catalog does not build: %v", err)
	}
	resolver := bundle.NewResolver(diag.Discard{})

	versions := []struct {
		major, minor int
		builds       []int
	}{
		{5, 0, []int{2195}},
		{5, 1, []int{2600}},
		{5, 2, []int{3789, 3790, 3791}},
		{6, 0, []int{5808, 6000, 6001, 6002}},
		{6, 1, []int{7600, 7601}},
	}

	var checked, unbound, failed int
	for _, model := range []string{facts.Model32, facts.Model64} {
		for _, v := range versions {
			for _, build := range v.builds {
				s, err := facts.Windows(model, v.major, v.minor, build).Facts()
				if err != nil {
					log.Fatal(err)
				}
				checked++

				p1, err := resolver.Resolve(s)
				if err != nil {
					fmt.Printf("FAIL %s: %v\n", s, err)
					failed++
					continue
				}
				p2, err := resolver.Resolve(s)
				if err != nil || !p1.SameBindings(p2) {
					fmt.Printf("FAIL %s: resolution is not stable\n", s)
					failed++
					continue
				}

				if _, err := p1.Layout(ssdt.TableStructure); err != nil {
					fmt.Printf("FAIL %s: %v\n", s, err)
					failed++
					continue
				}
				module := "-"
				if t, err := p1.Table(ssdt.SyscallsTable); err == nil {
					module = t.Module
				} else {
					unbound++
				}
				src, _ := p1.LayoutSource(ssdt.TableStructure)
				fmt.Printf("ok   %-60s %-14s %s\n", s, src, module)
			}
		}
	}

	fmt.Printf("\n%d fingerprints, %d without a syscall table, %d failures\n", checked, unbound, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
