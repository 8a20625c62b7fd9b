package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/researchflow/workflow"
)

// =============================================================================
// 🧩 compile 命令
// =============================================================================

// runCompile 编译定义文件并把执行计划以 JSON 写到 out。
// 编译失败时只输出错误类别与定义标识符。
func runCompile(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	format := fs.String("format", "", "Input format: json or yaml (default: by file extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: researchflow compile [--format json|yaml] <definition-file>")
	}
	path := fs.Arg(0)

	def, err := loadDefinition(path, *format)
	if err != nil {
		return err
	}

	compiled, err := workflow.Compile(def)
	if err != nil {
		rec := workflow.Sanitize(err, "", 0)
		detail, _ := json.Marshal(rec)
		return fmt.Errorf("compile %s: %s", path, detail)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(compiled)
}

func loadDefinition(path, format string) (*workflow.WorkflowDefinition, error) {
	switch format {
	case "":
		return workflow.LoadDefinitionFile(path)
	case "json", "yaml", "yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		if format == "json" {
			return workflow.DefinitionFromJSON(data)
		}
		return workflow.DefinitionFromYAML(data)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
