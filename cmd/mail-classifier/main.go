package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/di"
)

// output is the one-shot result printed to stdout.
type output struct {
	MessageID    string  `json:"message_id"`
	TargetFolder string  `json:"target_folder"`
	Confidence   float64 `json:"confidence"`
	Rationale    string  `json:"rationale_tag"`
	ProviderName string  `json:"provider_name"`
	ModelName    string  `json:"model_name"`
	LatencyMs    int64   `json:"latency_ms"`
	Header       string  `json:"header,omitempty"`
}

func main() {
	flags := di.ParseFlags()

	if flags.Folders == "" {
		fmt.Fprintln(os.Stderr, "mail-classifier: -folders is required")
		os.Exit(2)
	}
	folders := splitFolders(flags.Folders)

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	err = container.Invoke(func(service *core.Service, logger *zap.Logger) error {
		defer logger.Sync()
		return classify(service, logger, flags, folders)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mail-classifier: %v\n", err)
		os.Exit(1)
	}
}

func classify(service *core.Service, logger *zap.Logger, flags *di.CLIFlags, folders []string) error {
	var emailReader io.Reader
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			return fmt.Errorf("open input file: %w", err)
		}
		defer file.Close()
		emailReader = file
		logger.Info("reading email from file", zap.String("file", flags.InputFile))
	} else {
		emailReader = os.Stdin
		logger.Info("reading email from stdin")
	}

	msg, err := mail.ReadMessage(bufio.NewReader(emailReader))
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	bodyBytes, err := io.ReadAll(msg.Body)
	if err != nil {
		return fmt.Errorf("read email body: %w", err)
	}

	messageID := strings.Trim(msg.Header.Get("Message-ID"), "<>")
	if messageID == "" {
		messageID = uuid.NewString()
	}

	req := &core.ClassificationRequest{
		RequestID:        uuid.NewString(),
		MessageID:        messageID,
		Subject:          msg.Header.Get("Subject"),
		Sender:           msg.Header.Get("From"),
		Body:             string(bodyBytes),
		CandidateFolders: folders,
	}

	decision, err := service.Classify(context.Background(), req)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	out := output{
		MessageID:    messageID,
		TargetFolder: decision.TargetFolder,
		Confidence:   decision.Confidence,
		Rationale:    string(decision.Rationale),
		ProviderName: decision.ProviderName,
		ModelName:    decision.ModelName,
		LatencyMs:    decision.LatencyMs,
		Header:       decision.Header,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func splitFolders(s string) []string {
	parts := strings.Split(s, ",")
	folders := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			folders = append(folders, p)
		}
	}
	return folders
}
