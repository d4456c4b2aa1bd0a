package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deicod/crinkle/format"
)

var cmdFormat = &cobra.Command{
	Use:   "format [path]",
	Short: "reformat a template into canonical layout",
	Run:   runFormat,
}

func runFormat(cmd *cobra.Command, args []string) {
	source, label := readSource(args)

	formatted, err := format.Format(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja: format: %v\n", err)
		os.Exit(1)
	}

	switch resolveFormat("text") {
	case "json":
		out := struct {
			Output string `json:"output"`
		}{Output: formatted}
		data, encErr := marshalJSON(out)
		if encErr != nil {
			usageError(encErr)
		}
		fmt.Println(string(data))
	default:
		fmt.Print(formatted)
	}

	writeSnapshot(snapshotBasename(label), ".j2", []byte(formatted))
	os.Exit(0)
}
