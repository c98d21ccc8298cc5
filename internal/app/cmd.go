package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTP APIとSSEを提供する。
	CommandServe Command = "serve"
	// CommandWorker はハッシュタグ件数などの整合性回復ジョブを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はストアのスキーマ（PostgreSQL）やインデックス（MongoDB）を作成する。
	CommandMigrate Command = "migrate"
	// CommandSeed はダミーのユーザー・投稿・フォロー関係を投入する。
	CommandSeed Command = "seed"
	// CommandHealthcheck は起動中のサーバーの /health を叩く。distrolessイメージ用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空、または未知のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandSeed, CommandHealthcheck:
		return cmd
	}
	return CommandServe
}
