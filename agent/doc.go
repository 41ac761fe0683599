// Package agent implements the help agent's plan, execute, verify and
// replan loop.
//
// A Loop turns a natural-language goal into shell commands. One model call
// produces a plan of steps; each step's command passes the policy gate, runs
// through the command executor and is verified, first by exit status and
// then, when configured, by a model call comparing the output with the
// step's expected outcome. A failed step triggers a revised plan seeded with
// the failure's output. The loop is bounded by Config.MaxSteps and
// Config.MaxReplans and always ends in StateDone or StateAborted.
//
// # Usage
//
//	loop := agent.NewLoop(client, shell, gate, agent.Config{
//	    MaxSteps:       6,
//	    MaxReplans:     3,
//	    CommandTimeout: time.Minute,
//	}, agent.WithCallbacks(agent.Callbacks{
//	    OnStepResult: func(i int, s *agent.Step) {
//	        fmt.Printf("%d. %s [%s]\n", i+1, s.Command, s.Status)
//	    },
//	}))
//	outcome, err := loop.Run(ctx, "list files in current directory", agent.Context{Dir: wd})
//
// # Subpackages
//
//   - agent/terminal: the interactive hybrid shell front end
//   - agent/acp: an Agent Client Protocol server for IDE integration
package agent
