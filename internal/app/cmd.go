package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はRead APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は取り込みスケジューラのみのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandIngest は取り込みサイクルを1回だけ実行して終了することを示す。
	CommandIngest Command = "ingest"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandIngest, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
