package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSession   = "sessionID"
	FieldNameUser      = "username"
	FieldNameChannel   = "channel"
	FieldNameRemote    = "remote"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSession(id uint64) zap.Field {
	return zap.Uint64(FieldNameSession, id)
}

func FieldUser(username string) zap.Field {
	return zap.String(FieldNameUser, username)
}

func FieldChannel(name string) zap.Field {
	return zap.String(FieldNameChannel, name)
}

// FieldRemote 记录连接的对端地址。
func FieldRemote(addr string) zap.Field {
	return zap.String(FieldNameRemote, addr)
}
