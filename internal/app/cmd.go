package app

import "strings"

// Command はdevlogバイナリのサブコマンド。
type Command string

const (
	// CommandServe はJSON APIサーバーを起動する。既定のサブコマンド。
	CommandServe Command = "serve"
	// CommandWorker は期限切れ認証セッションの定期削除を実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーママイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	// distrolessイメージにはcurlが無いため、Dockerのヘルスチェックから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var commandDescriptions = map[Command]string{
	CommandServe:       "JSON API server",
	CommandWorker:      "expired session cleanup",
	CommandMigrate:     "schema migration",
	CommandHealthcheck: "server health check",
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 大文字小文字と前後の空白は無視する。未知の値や引数なしはCommandServeになる。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	cmd := Command(strings.ToLower(strings.TrimSpace(args[0])))
	if _, ok := commandDescriptions[cmd]; !ok {
		return CommandServe
	}
	return cmd
}

// NeedsConfig は設定の読み込みとロガー初期化が必要かどうかを返す。
// healthcheckはSERVER_PORTだけを参照する。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}

// Description は起動ログに出す説明。
func (c Command) Description() string {
	return commandDescriptions[c]
}
