package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/settings"
)

var platforms = []settings.Platform{settings.Darwin, settings.IOS, settings.Linux, settings.Windows}

func runListTargets(_args []string) error {
	return listTargets(os.Stdout, packagekit.DefaultRegistry(), runtime.GOOS)
}

func listTargets(out io.Writer, registry *packagekit.Registry, goos string) error {
	fmt.Fprintf(out, "Package Types\n")
	fmt.Fprintf(out, "Pass a comma separated list to `bundle --bundles`, or set bundle.targets.\n")
	fmt.Fprintf(out, "\n")

	w := tabwriter.NewWriter(out, 0, 4, 4, ' ', 0)
	fmt.Fprintf(w, "NAME\tPLATFORMS\tBUILDS HERE\n")

	for _, pt := range registry.PackageTypes() {
		var names []string
		for _, p := range platforms {
			if (settings.Target{Platform: p}).Supports(pt) {
				names = append(names, string(p))
			}
		}

		here := "no"
		if p, ok := registry.Lookup(pt); ok && p.HostSupported(goos) {
			here = "yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\n", pt.ShortName(), strings.Join(names, ","), here)
	}
	// updater artifacts come from the other bundles
	fmt.Fprintf(w, "%s\t%s\t%s\n", settings.Updater.ShortName(), "any", "yes")

	return w.Flush()
}
