// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供研究流水线的工作流编译与执行核心。

# 概述

用户在可视化编辑器中编写的 WorkflowDefinition（节点、边、设置）经
Compile 编译为确定性排序的 CompiledWorkflow；Runner 按编译计划驱动
WorkflowRun 的状态机，在人工审批门处持久化挂起，通过 Checkpoint
在进程重启后恢复，并按重试策略与条件边语义推进步骤。

# 核心接口与类型

  - Compile：模式校验、引用校验、三色 DFS 环检测、Kahn 排序
  - CompiledWorkflow：拓扑有序的 CompiledStep 列表（order/dependsOn/isGate）
  - Runner：Start / Resume / ResumeGate / Cancel 状态机
  - StageExecutor：阶段执行器接口 Execute + Cancel
  - StageRegistry：封闭 StageType 枚举到执行器的映射
  - PolicyGate：maxConcurrentRuns / allowedStages / requireApproval
  - CheckpointStore：带乐观版本检查的原子检查点存储
  - DefinitionStore：版本化定义读取
  - PolicyStore：工作流策略读取
  - CompiledCache：(workflowId, version) 编译结果缓存
  - EventSink：运行事件（ExecutionHistoryStore 为内存实现）
  - RunRecorder：指标钩子

# 状态机

	PENDING → IN_PROGRESS → COMPLETED
	IN_PROGRESS → WAITING_GATE → IN_PROGRESS
	IN_PROGRESS → FAILED
	IN_PROGRESS | WAITING_GATE → CANCELLED

# 错误

编译期错误（SchemaError / UnknownReferenceError / CycleDetectedError）
同步返回且不产生任何副作用；运行期错误经 Sanitize 转换为 ErrorRecord
后才会写入检查点或日志，原始错误文本不会被持久化。
*/
package workflow
