// Command bpfmanctl is the companion CLI for bpfmand: it submits Load,
// Unload, List, Get, and PullBytecode requests over the daemon's unix
// socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpfman/bpfmand/internal/directories"
	"github.com/bpfman/bpfmand/internal/rpcserver"
	"github.com/bpfman/bpfmand/pkg/bpfman"
)

func main() {
	var sockPath string
	root := newRootCmd(&sockPath)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(sockPath *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "bpfmanctl",
		Short: "manage eBPF programs loaded by bpfmand",
	}
	root.PersistentFlags().StringVar(sockPath, "socket", directories.DefaultSocketPath, "path to bpfmand's unix socket")

	root.AddCommand(
		loadXdpCmd(sockPath),
		loadTcCmd(sockPath),
		loadTracepointCmd(sockPath),
		loadKprobeCmd(sockPath),
		loadUprobeCmd(sockPath),
		unloadCmd(sockPath),
		listCmd(sockPath),
		getCmd(sockPath),
		pullCmd(sockPath),
	)
	return root
}

func bytecodeFlags(cmd *cobra.Command) (file *string, image *string) {
	file = cmd.Flags().String("path", "", "local bytecode object file")
	image = cmd.Flags().String("image-url", "", "OCI image reference to pull bytecode from")
	return
}

func bytecodeSource(file, image string) bpfman.BytecodeSource {
	if image != "" {
		return bpfman.BytecodeSource{Image: &bpfman.ImageSource{URL: image, Policy: bpfman.PullIfNotPresent}}
	}
	return bpfman.BytecodeSource{File: file}
}

func loadXdpCmd(sockPath *string) *cobra.Command {
	var iface, name string
	var priority int32
	cmd := &cobra.Command{
		Use:   "load-xdp",
		Short: "attach an XDP program",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("path")
			image, _ := cmd.Flags().GetString("image-url")
			program := &bpfman.Program{
				Kind: bpfman.Xdp,
				Name: name,
				Xdp: &bpfman.XdpAttachInfo{
					IfaceName: iface,
					Priority:  priority,
					ProceedOn: bpfman.DefaultXdpProceedOn(),
				},
			}
			return loadAndPrint(*sockPath, program, bytecodeSource(file, image))
		},
	}
	bytecodeFlags(cmd)
	cmd.Flags().StringVar(&iface, "iface", "", "network interface to attach to")
	cmd.Flags().StringVar(&name, "name", "", "BPF function name")
	cmd.Flags().Int32Var(&priority, "priority", 50, "chain position priority")
	cmd.MarkFlagRequired("iface")
	cmd.MarkFlagRequired("name")
	return cmd
}

func loadTcCmd(sockPath *string) *cobra.Command {
	var iface, name, direction string
	var priority int32
	cmd := &cobra.Command{
		Use:   "load-tc",
		Short: "attach a TC program",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("path")
			image, _ := cmd.Flags().GetString("image-url")
			dir := bpfman.Ingress
			if direction == "egress" {
				dir = bpfman.Egress
			}
			program := &bpfman.Program{
				Kind: bpfman.Tc,
				Name: name,
				Tc: &bpfman.TcAttachInfo{
					IfaceName: iface,
					Direction: dir,
					Priority:  priority,
					ProceedOn: bpfman.DefaultXdpProceedOn(),
				},
			}
			return loadAndPrint(*sockPath, program, bytecodeSource(file, image))
		},
	}
	bytecodeFlags(cmd)
	cmd.Flags().StringVar(&iface, "iface", "", "network interface to attach to")
	cmd.Flags().StringVar(&name, "name", "", "BPF function name")
	cmd.Flags().StringVar(&direction, "direction", "ingress", "ingress or egress")
	cmd.Flags().Int32Var(&priority, "priority", 50, "chain position priority")
	cmd.MarkFlagRequired("iface")
	cmd.MarkFlagRequired("name")
	return cmd
}

func loadTracepointCmd(sockPath *string) *cobra.Command {
	var name, tracepoint string
	cmd := &cobra.Command{
		Use:   "load-tracepoint",
		Short: "attach a tracepoint program",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("path")
			image, _ := cmd.Flags().GetString("image-url")
			program := &bpfman.Program{
				Kind:       bpfman.Tracepoint,
				Name:       name,
				Tracepoint: &bpfman.TracepointAttachInfo{Tracepoint: tracepoint},
			}
			return loadAndPrint(*sockPath, program, bytecodeSource(file, image))
		},
	}
	bytecodeFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "BPF function name")
	cmd.Flags().StringVar(&tracepoint, "tracepoint", "", "category/name")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("tracepoint")
	return cmd
}

func loadKprobeCmd(sockPath *string) *cobra.Command {
	var name, fnName string
	var offset uint64
	var retprobe bool
	cmd := &cobra.Command{
		Use:   "load-kprobe",
		Short: "attach a kprobe or kretprobe program",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("path")
			image, _ := cmd.Flags().GetString("image-url")
			program := &bpfman.Program{
				Kind: bpfman.Kprobe,
				Name: name,
				Kprobe: &bpfman.KprobeAttachInfo{
					FnName:   fnName,
					Offset:   offset,
					Retprobe: retprobe,
				},
			}
			return loadAndPrint(*sockPath, program, bytecodeSource(file, image))
		},
	}
	bytecodeFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "BPF function name")
	cmd.Flags().StringVar(&fnName, "fn-name", "", "kernel function to probe")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "probe offset")
	cmd.Flags().BoolVar(&retprobe, "retprobe", false, "attach as a kretprobe")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("fn-name")
	return cmd
}

func loadUprobeCmd(sockPath *string) *cobra.Command {
	var name, fnName, target string
	var offset uint64
	var retprobe bool
	var containerPid, pid uint32
	var hasContainerPid, hasPid bool
	cmd := &cobra.Command{
		Use:   "load-uprobe",
		Short: "attach a uprobe or uretprobe program",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("path")
			image, _ := cmd.Flags().GetString("image-url")
			info := &bpfman.UprobeAttachInfo{
				FnName:   fnName,
				Offset:   offset,
				Target:   target,
				Retprobe: retprobe,
			}
			if hasContainerPid {
				info.ContainerPid = &containerPid
			}
			if hasPid {
				info.Pid = &pid
			}
			program := &bpfman.Program{
				Kind:   bpfman.Uprobe,
				Name:   name,
				Uprobe: info,
			}
			return loadAndPrint(*sockPath, program, bytecodeSource(file, image))
		},
	}
	bytecodeFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "BPF function name")
	cmd.Flags().StringVar(&fnName, "fn-name", "", "target function to probe (empty: offset only)")
	cmd.Flags().StringVar(&target, "target", "", "binary or library to attach to")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "probe offset")
	cmd.Flags().BoolVar(&retprobe, "retprobe", false, "attach as a uretprobe")
	cmd.Flags().Uint32Var(&containerPid, "container-pid", 0, "attach inside this container's namespace via the bpfman-ns helper")
	cmd.Flags().Uint32Var(&pid, "pid", 0, "restrict the attach to this process id")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("target")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hasContainerPid = cmd.Flags().Changed("container-pid")
		hasPid = cmd.Flags().Changed("pid")
		return nil
	}
	return cmd
}

func loadAndPrint(sockPath string, program *bpfman.Program, bytecode bpfman.BytecodeSource) error {
	result, err := rpcserver.NewClient(sockPath).Load(program, bytecode)
	if err != nil {
		return err
	}
	fmt.Printf("loaded program id=%d name=%s\n", result.Id, result.Name)
	return nil
}

func unloadCmd(sockPath *string) *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "unload",
		Short: "unload a program by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rpcserver.NewClient(*sockPath).Unload(id)
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "program id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func listCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every kernel-loaded program",
		RunE: func(cmd *cobra.Command, args []string) error {
			programs, err := rpcserver.NewClient(*sockPath).List()
			if err != nil {
				return err
			}
			for _, p := range programs {
				fmt.Printf("%d\t%s\t%s\n", p.Id, p.Kind, p.Name)
			}
			return nil
		},
	}
}

func getCmd(sockPath *string) *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "get",
		Short: "show one program by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rpcserver.NewClient(*sockPath).Get(id)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%s\t%s\tposition=%d\n", p.Id, p.Kind, p.Name, p.Position)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "program id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func pullCmd(sockPath *string) *cobra.Command {
	var url string
	var allowUnsigned bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "pull a bytecode image without loading it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rpcserver.NewClient(*sockPath).PullBytecode(bpfman.ImageSource{
				URL:           url,
				Policy:        bpfman.PullAlways,
				AllowUnsigned: allowUnsigned,
			})
		},
	}
	cmd.Flags().StringVar(&url, "image-url", "", "OCI image reference")
	cmd.Flags().BoolVar(&allowUnsigned, "allow-unsigned", false, "accept images without a verifiable signature")
	cmd.MarkFlagRequired("image-url")
	return cmd
}
