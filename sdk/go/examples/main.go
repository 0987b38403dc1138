package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenProver/sdk/go/openprover"
)

// 示例：向运行中的 proverd 提交一个批量任务并等待完成。
func main() {
	baseURL := os.Getenv("OPENPROVER_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}

	client, err := openprover.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}
	client.SetAccessToken(os.Getenv("OPENPROVER_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	job, err := client.SubmitJob(ctx, openprover.JobRequest{
		CircuitID: "square",
		Inputs:    []hexutil.Bytes{{0x01}, {0x02}, {0x03}},
	})
	if err != nil {
		log.Fatalf("提交任务失败: %v", err)
	}
	fmt.Printf("任务已提交: %s (%s)\n", job.ID, job.Kind)

	done, err := client.WaitForJob(ctx, job.ID, 2*time.Second)
	if err != nil {
		log.Fatalf("等待任务失败: %v", err)
	}
	if done.Status != openprover.StatusSucceeded {
		log.Fatalf("任务失败: %s %s", done.ErrorCode, done.LastError)
	}
	fmt.Printf("证明 ID: %v\n", done.Result.ProofIDs)
}
