package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// AskForCode prompts on stdout until a valid session code is typed on stdin.
func AskForCode(ctx context.Context) (string, error) {
	return askForCode(ctx, os.Stdin, os.Stdout)
}

func askForCode(ctx context.Context, in io.Reader, out io.Writer) (string, error) {
	scanner := bufio.NewScanner(in)
	inputCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(inputCh)
		for scanner.Scan() {
			select {
			case inputCh <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		fmt.Fprintf(out, "Enter code from sender: ")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case code, ok := <-inputCh:
			if !ok {
				if err := <-errCh; err != nil {
					return "", err
				}
				return "", io.ErrUnexpectedEOF
			}
			if IsValidCode(code) {
				return code, nil
			}
			fmt.Fprintf(out, "Invalid code. Please enter again.\n")
		}
	}
}
