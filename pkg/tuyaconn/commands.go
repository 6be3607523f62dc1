package tuyaconn

// Command identifies the payload carried by a frame's cmd field. The set
// mirrors the Tuya LAN protocol's full command table; a LAN client only ever
// sends a handful of these, but devices are free to reply with any of them.
type Command uint32

const (
	CommandUDP           Command = 0
	CommandAPConfig      Command = 1
	CommandActive        Command = 2
	CommandBind          Command = 3
	CommandRenameGW      Command = 4
	CommandRenameDevice  Command = 5
	CommandUnbind        Command = 6
	CommandControl       Command = 7
	CommandStatus        Command = 8
	CommandHeartBeat     Command = 9
	CommandDPQuery       Command = 10
	CommandQueryWifi     Command = 11
	CommandTokenBind     Command = 12
	CommandControlNew    Command = 13
	CommandEnableWifi    Command = 14
	CommandDPQueryNew    Command = 16
	CommandSceneExecute  Command = 17
	CommandUDPNew        Command = 19
	CommandAPConfigNew   Command = 20

	CommandLANGWActive          Command = 240
	CommandLANSubDevRequest     Command = 241
	CommandLANDeleteSubDev      Command = 242
	CommandLANReportSubDev      Command = 243
	CommandLANScene             Command = 244
	CommandLANPublishCloudCfg   Command = 245
	CommandLANPublishAppCfg     Command = 246
	CommandLANExportAppCfg      Command = 247
	CommandLANPublishScenePanel Command = 248
	CommandLANRemoveGW          Command = 249
	CommandLANCheckGWUpdate     Command = 250
	CommandLANGWUpdate          Command = 251
	CommandLANSetGWChannel      Command = 252
)

// Magic prefix/suffix values bookending every frame on the wire.
const (
	magicPrefix uint32 = 0x000055AA
	magicSuffix uint32 = 0x0000AA55
)
