package main

// ============================================================================
// 職責說明：
// 1. docflow 執行檔入口
// 2. 執行 CLI 命令並把錯誤轉成 exit code
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/docflow/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "docflow: %v\n", err)
		os.Exit(1)
	}
}
