package statemachine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Serve accepts connections on ln and dispatches each line-delimited
// command to m, replying "OK" or "ERR: <message>" (the report command
// replies with the report text instead). One connection handles
// one command at a time; the protocol is deliberately minimal, matching
// the rest of the fabric's fixed small wire formats rather than adopting a
// new RPC framework for what is a handful of control verbs.
func Serve(ctx context.Context, ln net.Listener, m *Machine, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("statemachine: accept: %w", err)
		}
		go handleConn(conn, m, log)
	}
}

func handleConn(conn net.Conn, m *Machine, log *zap.SugaredLogger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := dispatch(m, scanner.Text())
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Warnw("commander write failed", "error", err)
			return
		}
	}
}

func dispatch(m *Machine, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR: empty command"
	}

	cmd, rest := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "initialize":
		err = m.Initialize()
	case "soft_initialize":
		err = m.SoftInitialize()
	case "reinitialize":
		err = m.Reinitialize()
	case "start":
		runID, parseErr := argUint32(rest, 0)
		if parseErr != nil {
			return "ERR: " + parseErr.Error()
		}
		err = m.Start(runID)
	case "stop":
		err = m.Stop()
	case "pause":
		err = m.Pause()
	case "resume":
		err = m.Resume()
	case "shutdown":
		err = m.Shutdown()
	case "rollover_subrun":
		boundary, parseErr := argUint64(rest, 0)
		if parseErr != nil {
			return "ERR: " + parseErr.Error()
		}
		err = m.RolloverSubrun(boundary)
	case "meta_command":
		name, arg := argString(rest, 0), argString(rest, 1)
		err = m.MetaCommand(name, arg)
	case "report":
		return m.Report(argString(rest, 0))
	default:
		return fmt.Sprintf("ERR: unknown command %q", cmd)
	}

	if err != nil {
		return "ERR: " + err.Error()
	}
	return "OK"
}

func argString(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func argUint32(args []string, i int) (uint32, error) {
	v, err := strconv.ParseUint(argString(args, i), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid argument: %w", err)
	}
	return uint32(v), nil
}

func argUint64(args []string, i int) (uint64, error) {
	v, err := strconv.ParseUint(argString(args, i), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid argument: %w", err)
	}
	return v, nil
}
