// Package camera V4L2デバイスからのフレーム取得を担う
//
// # 責務
// - デバイスのオープン、情報取得、フォーマット設定、クローズ
// - キャプチャループ（バッファ確保 → 開始 → 読み取り → 停止）
// - ドライバのバッファからのコピーと最新フレームスロットへの公開
// - /dev/video* デバイスの検出
//
// # 仕様
//   - V4L2Device: github.com/blackjack/webcam による mmap ストリーミング
//   - Loop: 1フレームごとにキャンセルを確認する。読み取り失敗は ReadRetries 回まで再試行
//   - Service: 各段階の失敗をエラー種別（ErrDeviceOpenFailed など）で返す。
//     デバイスのクローズはどの経路でも試みる
//   - Service.Run は呼び出し元のゴルーチンをOSスレッドに固定する
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
