// Package terminal implements the interactive hybrid shell.
//
// Input is read line by line in one of three modes. In shell mode each line
// runs as a command in the shell's working directory. In ai mode each line
// goes to the router and the selected persona answers. Auto mode runs lines
// that start with a known command and sends everything else to the AI.
//
// The terminal owns a few commands of its own:
//
//   - shell, ai, auto: switch mode; "ai <question>" asks once
//   - cd <dir>: change the working directory used by the shell and the agent
//   - memory status|clear|search <query> [k]: manage long-term memory
//   - context: print the recent conversation
//   - exit, quit: end the session
//
// The Terminal also serves as the confirmation prompt for destructive
// commands (Confirm) and prints the help agent's plan and step results
// (Callbacks).
package terminal
