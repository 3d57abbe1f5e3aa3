package main

import (
	"testing"

	"github.com/bpfman/bpfmand/pkg/bpfman"
)

func TestBytecodeSourcePrefersImageOverFile(t *testing.T) {
	src := bytecodeSource("/tmp/prog.o", "quay.io/example/prog:latest")
	if src.Image == nil {
		t.Fatal("expected an Image source when image-url is set")
	}
	if src.Image.URL != "quay.io/example/prog:latest" {
		t.Errorf("Image.URL = %q, want quay.io/example/prog:latest", src.Image.URL)
	}
	if src.Image.Policy != bpfman.PullIfNotPresent {
		t.Errorf("Image.Policy = %v, want PullIfNotPresent", src.Image.Policy)
	}
	if src.File != "" {
		t.Errorf("File = %q, want empty when an image is set", src.File)
	}
}

func TestBytecodeSourceFallsBackToFile(t *testing.T) {
	src := bytecodeSource("/tmp/prog.o", "")
	if src.Image != nil {
		t.Error("expected no Image source when image-url is empty")
	}
	if src.File != "/tmp/prog.o" {
		t.Errorf("File = %q, want /tmp/prog.o", src.File)
	}
}

func TestLoadXdpCmdRequiresIfaceAndName(t *testing.T) {
	var sockPath string
	cmd := loadXdpCmd(&sockPath)

	for _, flag := range []string{"iface", "name"} {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			t.Fatalf("expected a %q flag", flag)
		}
	}
	if err := cmd.Flags().Set("iface", "eth0"); err != nil {
		t.Fatal(err)
	}
	// name left unset: required-flag enforcement is cobra's job, verified
	// here only by confirming the annotation was actually applied.
	if _, ok := cmd.Flags().Lookup("name").Annotations["cobra_annotation_bash_completion_one_required_flag"]; !ok {
		t.Error("expected --name to be marked required")
	}
}

func TestLoadTcCmdDefaultsToIngress(t *testing.T) {
	var sockPath string
	cmd := loadTcCmd(&sockPath)

	f := cmd.Flags().Lookup("direction")
	if f == nil {
		t.Fatal("expected a --direction flag")
	}
	if f.DefValue != "ingress" {
		t.Errorf("--direction default = %q, want ingress", f.DefValue)
	}
}

func TestLoadUprobeCmdRequiresNameAndTarget(t *testing.T) {
	var sockPath string
	cmd := loadUprobeCmd(&sockPath)

	for _, flag := range []string{"name", "target", "fn-name", "offset", "retprobe", "container-pid", "pid"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Fatalf("expected a %q flag", flag)
		}
	}
	for _, flag := range []string{"name", "target"} {
		if _, ok := cmd.Flags().Lookup(flag).Annotations["cobra_annotation_bash_completion_one_required_flag"]; !ok {
			t.Errorf("expected --%s to be marked required", flag)
		}
	}
}

func TestRootCommandWiresAllSubcommands(t *testing.T) {
	var sockPath string
	root := newRootCmd(&sockPath)

	want := []string{"load-xdp", "load-tc", "load-tracepoint", "load-kprobe", "load-uprobe", "unload", "list", "get", "pull"}
	for _, name := range want {
		if root.Commands() == nil {
			t.Fatal("expected subcommands to be registered")
		}
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected a %q subcommand", name)
		}
	}
}
