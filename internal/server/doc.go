// Package server は管理用のHTTP APIを提供します。
//
// MJPEG配信そのものは mjpeg パッケージの生TCPサーバーが担当し、
// このパッケージはその周辺の確認用エンドポイントだけを持ちます。
//
// 責務:
//   - ビューアページ、ヘルスチェック、状態確認
//   - 最新フレームのスナップショット配信
//   - WebSocketによるフレーム配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - 停止時は5秒のタイムアウトでグレースフルシャットダウンする
package server
