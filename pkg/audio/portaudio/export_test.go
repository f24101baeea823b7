package portaudio

var MatchDevice = matchDevice
