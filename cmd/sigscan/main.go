// The sigscan command applies a signature manifest to a module: a PE file
// mapped offline, or (on windows) a module of a running process. It prints
// where every signature landed and what was patched.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"hookkit/config"
	"hookkit/hook"
	"hookkit/memory"
	"hookkit/peimage"
	"hookkit/process"
)

var (
	configFlag   = flag.String("config", "./", "Path to the directory containing config.yaml")
	manifestFlag = flag.String("manifest", "", "Signature manifest, overrides manifest_path")
	imageFlag    = flag.String("image", "", "PE file to map, overrides image_path")
	verboseFlag  = flag.Bool("v", false, "Dump every record")
)

func main() {
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     SIGNATURE SCANNER                 ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	cfg, err := config.LoadConfig(*configFlag)
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		os.Exit(1)
	}
	if *manifestFlag != "" {
		cfg.ManifestPath = *manifestFlag
	}
	if *imageFlag != "" {
		cfg.ImagePath = *imageFlag
	}
	cfg.Verbose = cfg.Verbose || *verboseFlag

	log, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		os.Exit(1)
	}

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		log.Fatalf("[SCAN] %+v", err)
	}

	mem, opts, err := open(cfg, manifest)
	if err != nil {
		log.Fatalf("[SCAN] %+v", err)
	}
	opts.Logger = log

	engine, err := hook.New(mem, opts)
	if err != nil {
		log.Fatalf("[HOOK] %+v", err)
	}

	plan, located := manifest.Plan()
	if err := plan.Run(engine); err != nil {
		os.Exit(1)
	}

	fmt.Println()
	for _, ent := range manifest.Entries {
		for _, addr := range located[ent.Name] {
			if ent.Action == config.ActionImport {
				fmt.Printf("%-32s was 0x%X\n", ent.Name, addr)
				continue
			}
			fmt.Printf("%-32s 0x%X (static 0x%X)\n", ent.Name, addr, engine.ToStatic(addr))
		}
	}
	fmt.Println()
	for _, r := range engine.Records() {
		fmt.Println(r)
	}
	fmt.Println(engine.Status())

	if cfg.Verbose {
		spew.Dump(engine.Records())
	}
}

// open returns the memory holding the module and where the module is.
func open(cfg *config.Config, m *config.Manifest) (memory.Memory, hook.Options, error) {
	if cfg.Live() {
		module := cfg.Module
		if module == "" {
			module = m.Module
		}
		p, mod, err := process.Attach(cfg.Process, module)
		if err != nil {
			return nil, hook.Options{}, err
		}
		fmt.Printf("[OK] %s base: 0x%X (%d bytes)\n", mod.Name, mod.Base, mod.Size)
		return p, hook.Options{ModuleBase: mod.Base, ModuleSize: mod.Size}, nil
	}

	if cfg.ImagePath == "" {
		return nil, hook.Options{}, errors.New("no image_path and no process configured")
	}
	f, err := os.Open(cfg.ImagePath)
	if err != nil {
		return nil, hook.Options{}, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, h, err := peimage.MapFile(f, uintptr(cfg.RuntimeBase))
	if err != nil {
		return nil, hook.Options{}, err
	}
	fmt.Printf("[OK] %s mapped at 0x%X (%s, %d sections)\n", cfg.ImagePath, h.Base, h.Arch, len(h.Sections))
	return img, hook.Options{ModuleBase: h.Base}, nil
}
