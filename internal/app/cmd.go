package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandWorker は受信ディレクトリの取り込みと管理APIを起動することを示す。
	CommandWorker Command = "worker"
	// CommandProcess は指定したアーカイブを1回だけ取り込むことを示す。
	CommandProcess Command = "process"
	// CommandMerge はアーカイブ抽出結果とAPIフィードの時系列マージを実行することを示す。
	CommandMerge Command = "merge"
	// CommandCheck は展開ツールとアーカイブ形式を確認することを示す。
	CommandCheck Command = "check"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// Dockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandWorkerを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandWorker
	}

	switch Command(args[0]) {
	case CommandWorker, CommandProcess, CommandMerge, CommandCheck, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandWorker
	}
}

// commandArgs はサブコマンド名を除いた残りの引数を返す。
func commandArgs(args []string) []string {
	if len(args) == 0 || ParseCommand(args) != Command(args[0]) {
		return args
	}
	return args[1:]
}
