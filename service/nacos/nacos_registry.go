package nacos

import (
	"context"
	"strconv"

	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

const cluster = "DEFAULT"

// Registry 网关节点在 nacos 上的临时实例；下线时先摘除再断连接
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client naming_client.INamingClient
}

// NewRegistry metadata 里带上 nodeId，运维按节点查连接数时用
func NewRegistry(cli naming_client.INamingClient, serviceName, ip string, port uint64, nodeID string) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    map[string]string{"protocol": "ws", "nodeId": nodeID},
		client:      cli,
	}
}

func (r *Registry) Register(_ context.Context) error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: cluster,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return errs.ErrInfra.WrapMsg("nacos register", "service", r.ServiceName, "err", err.Error())
	}
	if !ok {
		return errs.ErrInfra.WrapMsg("nacos register returned false", "service", r.ServiceName)
	}
	logger.Info("registered to nacos", zap.String("service", r.ServiceName), zap.String("addr", r.IP+":"+strconv.FormatUint(r.Port, 10)))
	return nil
}

// Deregister 优雅下线第一步，新连接不再路由到本节点
func (r *Registry) Deregister(_ context.Context) error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     cluster,
		Ephemeral:   true,
	})
	if err != nil {
		return errs.ErrInfra.WrapMsg("nacos deregister", "service", r.ServiceName, "err", err.Error())
	}
	if !ok {
		logger.Warn("nacos deregister: instance not found", zap.String("service", r.ServiceName))
	}
	return nil
}

// Peer 一个在线的网关节点
type Peer struct {
	NodeID  string `json:"nodeId"`
	Addr    string `json:"addr"`
	Healthy bool   `json:"healthy"`
}

// Peers 当前注册的全部网关节点（admin 接口）
func (r *Registry) Peers(_ context.Context) ([]Peer, error) {
	instances, err := r.client.SelectAllInstances(vo.SelectAllInstancesParam{
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Clusters:    []string{cluster},
	})
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("nacos select instances", "service", r.ServiceName, "err", err.Error())
	}
	out := make([]Peer, 0, len(instances))
	for _, inst := range instances {
		out = append(out, Peer{
			NodeID:  inst.Metadata["nodeId"],
			Addr:    inst.Ip + ":" + strconv.FormatUint(inst.Port, 10),
			Healthy: inst.Healthy && inst.Enable,
		})
	}
	return out, nil
}

func (r *Registry) Close() {
	r.client.CloseClient()
}
