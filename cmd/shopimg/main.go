package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shopimg: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "shopimg",
		Short:        "Development helper for the image pipeline stack",
		Long:         "Starts and stops the postgres/redis/minio stack, runs the test suite, launches the binaries, and seeds a running server with demo data.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file for the backing services")
	cmd.AddCommand(newUpCmd(), newDownCmd(), newTestCmd(), newRunCmd(), newSeedCmd())
	return cmd
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [service...]",
		Short: "Build and start the compose stack in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose(cmd.Context(), append([]string{"up", "--build", "-d"}, args...)...)
		},
	}
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return compose(cmd.Context(), composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also remove the database and object-store volumes")
	return cmd
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [packages]",
		Short: "Run the Go test suite with the race detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"./..."}
			}
			return runCommand(cmd.Context(), "go", append([]string{"test", "-race"}, args...)...)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run (server|worker)",
		Short: "Run a binary directly with go run",
	}
	for _, name := range []string{"server", "worker"} {
		target := "./cmd/" + name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("go run %s", target),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCommand(cmd.Context(), "go", append([]string{"run", target}, args...)...)
			},
		})
	}
	return cmd
}

func newSeedCmd() *cobra.Command {
	var apiURL string
	var productID string
	var name string
	cmd := &cobra.Command{
		Use:   "seed [image files...]",
		Short: "Create a demo product and upload images to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			body := fmt.Sprintf(`{"id":%q,"name":%q}`, productID, name)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/products", strings.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("create product: %w", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
				return fmt.Errorf("create product: status %d", resp.StatusCode)
			}
			for _, file := range args {
				if err := uploadFile(ctx, apiURL, productID, file); err != nil {
					return err
				}
				fmt.Printf("uploaded %s\n", file)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the running API server")
	cmd.Flags().StringVar(&productID, "product", "demo-product", "Product ID to create and upload into")
	cmd.Flags().StringVar(&name, "name", "Demo Product", "Product display name")
	return cmd
}

func uploadFile(ctx context.Context, apiURL, productID, file string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(file))
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	mw.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/images/upload/"+productID, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", file, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("upload %s: status %d", file, resp.StatusCode)
	}
	return nil
}

func compose(ctx context.Context, args ...string) error {
	return runCommand(ctx, "docker", append([]string{"compose", "-f", composeFile}, args...)...)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
