package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"treechat/application/commands"
	"treechat/application/engine"
	"treechat/domain/core/valueobjects"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Chat in a session; a new one is created without an id",
		Long: `Reads one message per line. Lines starting with '/' are commands:
  /path          print the messages of the current context
  /tree          print the session tree
  /dive <node>   open a deep dive rooted at node and switch to it
  /goto <node>   make node the active node of the current context
  /back          return to the main chat
  /quit          leave`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var (
				res *engine.SessionResult
				err error
			)
			if len(args) == 1 {
				sid, perr := valueobjects.NewSessionIDFromString(args[0])
				if perr != nil {
					return perr
				}
				res, err = a.container.Engine.LoadSession(cmd.Context(), sid)
			} else {
				res, err = a.container.Engine.CreateSession(cmd.Context(), commands.CreateSessionCommand{})
			}
			if err != nil {
				return err
			}
			if err := a.printSession(res); err != nil {
				return err
			}
			s := &chatSession{engine: a.container.Engine, chat: res.Context, current: res.Context, out: a.out}
			return s.run(cmd.Context(), cmd.InOrStdin())
		}),
	}
}

// chatSession is the state of one interactive chat.
type chatSession struct {
	engine  *engine.TreeEngine
	chat    valueobjects.ContextRef
	current valueobjects.ContextRef
	out     io.Writer
}

func (s *chatSession) prompt() {
	fmt.Fprintf(s.out, "%s> ", s.current.Key())
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	s.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			s.prompt()
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		s.prompt()
	}
	return scanner.Err()
}

func (s *chatSession) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		res, err := s.engine.Submit(ctx, s.current.Key(), line)
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(s.out, "warning: %v\n", w)
		}
		fmt.Fprintf(s.out, "[%s %s] %s\n", res.NodeID, res.Transition, res.Answer)
		return nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/path":
		msgs, err := s.engine.Messages(s.current)
		for _, m := range msgs {
			fmt.Fprintf(s.out, "%-9s %s\n", m.Role+":", m.Content)
		}
		return err
	case "/tree":
		tree, err := s.engine.Tree(s.chat.SessionID())
		if err != nil {
			return err
		}
		printTree(&app{out: s.out}, tree)
		return nil
	case "/dive":
		ref, err := s.engine.OpenDeepDive(commands.OpenDeepDiveCommand{
			SessionID:    s.chat.SessionID().String(),
			OriginNodeID: arg,
		})
		if err != nil {
			return err
		}
		s.current = ref
		return nil
	case "/goto":
		_, warnings, err := s.engine.SetActive(ctx, commands.SetActiveCommand{ContextKey: s.current.Key(), NodeID: arg})
		for _, w := range warnings {
			fmt.Fprintf(s.out, "warning: %v\n", w)
		}
		return err
	case "/back":
		s.current = s.chat
		return nil
	}
	return fmt.Errorf("unknown command %s", name)
}
