package mjpeg

import "strconv"

// Boundary はマルチパートの区切り文字列
const Boundary = "mjpegstream"

// Preamble は接続ごとに1回だけ送るレスポンスヘッダー
const Preamble = "HTTP/1.0 200 OK\r\n" +
	"Content-Type: multipart/x-mixed-replace;boundary=" + Boundary + "\r\n" +
	"\r\n"

// 同時接続数の上限に達したときの応答
const rejectResponse = "HTTP/1.0 503 Service Unavailable\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

const partHeaderPrefix = "--" + Boundary + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: "

// AppendPartHeader はフレーム1枚分のパートヘッダーを dst に追加する
//
// 終端の区切りやフレーム後の CRLF は送らない。
func AppendPartHeader(dst []byte, length int) []byte {
	dst = append(dst, partHeaderPrefix...)
	dst = strconv.AppendInt(dst, int64(length), 10)
	return append(dst, "\r\n\r\n"...)
}
