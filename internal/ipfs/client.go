// Package ipfs 封装 IPFS HTTP API，守护进程不可用时降级为确定性 CID
package ipfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/config"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// Client IPFS 客户端
type Client struct {
	apiURL string
	httpc  *http.Client
}

// New 创建 IPFS 客户端
func New(cfg *config.IPFSConfig) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL: cfg.APIURL,
		httpc:  &http.Client{Timeout: timeout},
	}
}

// UploadJSON 序列化并上传 JSON 元数据
//
// 守护进程不可用时返回由内容哈希派生的确定性 CID，mocked=true；
// 同样的内容总是得到同样的降级 CID
func (c *Client) UploadJSON(ctx context.Context, value interface{}) (cid string, mocked bool, err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", false, fmt.Errorf("marshal metadata: %w", err)
	}
	cid, mocked = c.upload(ctx, "metadata.json", data)
	return cid, mocked, nil
}

// UploadFile 上传文件内容
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (cid string, mocked bool) {
	return c.upload(ctx, name, data)
}

func (c *Client) upload(ctx context.Context, name string, data []byte) (string, bool) {
	cid, err := c.add(ctx, name, data)
	if err != nil {
		logger.Warn("ipfs add failed, using derived cid",
			zap.String("name", name), zap.Error(err))
		return FallbackCID(data), true
	}
	return cid, false
}

// add 调用 /api/v0/add 上传内容
func (c *Client) add(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ipfs add status %d: %s", resp.StatusCode, payload)
	}

	var result struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode ipfs response: %w", err)
	}
	if result.Hash == "" {
		return "", fmt.Errorf("ipfs response without hash")
	}
	return result.Hash, nil
}

// Healthy 守护进程存活检查
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/v0/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FallbackCID 内容哈希派生的确定性降级 CID
func FallbackCID(data []byte) string {
	sum := sha256.Sum256(data)
	return "Qm" + hex.EncodeToString(sum[:22])
}
