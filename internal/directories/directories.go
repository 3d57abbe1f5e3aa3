// Package directories holds the well-known filesystem paths bpfmand uses
// to pin programs, links, maps, and dispatchers. They are bit-exact with
// the layout external collaborators (the CLI, the CSI plugin) expect.
package directories

const (
	// RTDIR is the root of bpfmand's runtime state below /run.
	RTDIR = "/run/bpfman"

	// RTDIRFS holds pinned programs and links.
	RTDIRFS = RTDIR + "/fs"

	// RTDIRFSMaps holds pinned shared maps, one subdirectory per owner id.
	RTDIRFSMaps = RTDIRFS + "/maps"

	// RTDIRXdpDispatcher holds pinned XDP dispatcher generations.
	RTDIRXdpDispatcher = RTDIRFS + "/xdp_dispatcher"

	// RTDIRTcIngressDispatcher holds pinned TC-ingress dispatcher generations.
	RTDIRTcIngressDispatcher = RTDIRFS + "/tc_ingress_dispatcher"

	// RTDIRTcEgressDispatcher holds pinned TC-egress dispatcher generations.
	RTDIRTcEgressDispatcher = RTDIRFS + "/tc_egress_dispatcher"

	// CFGDIR is where bpfmand looks for its TOML configuration.
	CFGDIR = "/etc/bpfman"

	// DefaultConfigPath is the default location of bpfman.toml.
	DefaultConfigPath = CFGDIR + "/bpfman.toml"

	// DefaultDBPath is the default location of the persistent store file.
	DefaultDBPath = RTDIR + "/bpfman.db"

	// DefaultSocketPath is the default location of the RPC front end's
	// unix socket. bpfmand's own RPC server (internal/rpcserver) binds it
	// unless the config names another socket_path.
	DefaultSocketPath = RTDIR + "/sock/bpfman.sock"

	// SockMode is the permission bits applied to the runtime socket and
	// pinned map directories: owner and group read/write.
	SockMode = 0o660
)
