package logview

var Tail = tail

var ServeListener = serve
