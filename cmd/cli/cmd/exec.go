package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensandbox/runbox/pkg/types"
)

var (
	execLang    string
	execFile    string
	execSession string
	execCapture bool
	execTimeout int
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Run code on the server",
	Long: `Run a snippet on the server. Code comes from the argument, from
--file, or from stdin when neither is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(args)
		if err != nil {
			return err
		}

		req := types.ExecRequest{
			Lang:         types.Language(execLang),
			Code:         code,
			SessionID:    execSession,
			CaptureState: execCapture,
			TimeoutSec:   execTimeout,
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		var resp types.ExecResponse
		if err := call(http.MethodPost, "/exec", bytes.NewReader(body), &resp); err != nil {
			return err
		}

		fmt.Print(resp.Stdout)
		if resp.Stderr != "" {
			fmt.Fprint(os.Stderr, resp.Stderr)
		}
		for _, w := range resp.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		if resp.SessionID != "" {
			fmt.Fprintf(os.Stderr, "session: %s\n", resp.SessionID)
		}
		if resp.ExitCode != 0 {
			return fmt.Errorf("exited with code %d", resp.ExitCode)
		}
		return nil
	},
}

func readCode(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if execFile != "" {
		data, err := os.ReadFile(execFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func init() {
	execCmd.Flags().StringVarP(&execLang, "lang", "l", "py", "language code")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "read code from a file")
	execCmd.Flags().StringVarP(&execSession, "session", "s", "", "session id for stateful execution")
	execCmd.Flags().BoolVar(&execCapture, "capture-state", false, "capture session state after execution")
	execCmd.Flags().IntVarP(&execTimeout, "timeout", "t", 0, "execution timeout in seconds")
	rootCmd.AddCommand(execCmd)
}
