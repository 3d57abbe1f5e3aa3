package bpfman

import "context"

// Command is the sum type the Program manager's single receiver consumes
// (spec §2 "a single command receiver feeds the program manager", §6 "RPC
// surface (consumed as commands)"). Front ends (internal/rpcserver, which
// bpfmanctl talks to, and tests) construct these and send them on
// Manager.Commands();
// the wire encoding of whatever sits in front of that channel is
// explicitly an external collaborator's concern (spec §1, §6).
type Command interface {
	isCommand()
}

// LoadCommand requests that Program be loaded and attached.
type LoadCommand struct {
	Program  *Program
	Bytecode BytecodeSource
	Reply    chan LoadResult
}

type LoadResult struct {
	Program *Program
	Err     error
}

func (LoadCommand) isCommand() {}

// UnloadCommand requests that the program with Id be unloaded.
type UnloadCommand struct {
	Id    uint32
	Reply chan error
}

func (UnloadCommand) isCommand() {}

// ListCommand requests every currently kernel-loaded program.
type ListCommand struct {
	Reply chan ListResult
}

type ListResult struct {
	Programs []*Program
	Err      error
}

func (ListCommand) isCommand() {}

// GetCommand requests the program with Id.
type GetCommand struct {
	Id    uint32
	Reply chan GetResult
}

type GetResult struct {
	Program *Program
	Err     error
}

func (GetCommand) isCommand() {}

// PullBytecodeCommand asks the Image store to fetch an image without
// loading it (spec §4.5 pull_bytecode).
type PullBytecodeCommand struct {
	Ctx           context.Context
	Image         ImageSource
	Reply         chan error
}

func (PullBytecodeCommand) isCommand() {}
